package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/oyi77/naver-smartstore-sub000/internal/common"
	"github.com/oyi77/naver-smartstore-sub000/internal/interfaces"
	"github.com/oyi77/naver-smartstore-sub000/internal/models"
)

// --- fakes ---

type fakeTab struct {
	slot     int
	index    int
	hasProxy bool

	mu       sync.Mutex
	identity models.Identity
	applyErr error
}

func (f *fakeTab) Slot() int     { return f.slot }
func (f *fakeTab) Index() int    { return f.index }
func (f *fakeTab) HasProxy() bool { return f.hasProxy }

func (f *fakeTab) Identity() models.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity
}

func (f *fakeTab) Navigate(ctx context.Context, url string) error { return nil }
func (f *fakeTab) EvaluateJSON(ctx context.Context, expression string) ([]byte, error) {
	return []byte("null"), nil
}
func (f *fakeTab) Blank(ctx context.Context) error { return nil }

func (f *fakeTab) ApplyIdentity(ctx context.Context, id models.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.identity = id
	return nil
}

type fakeProc struct {
	tabs []interfaces.Tab

	mu     sync.Mutex
	closed bool
}

func (f *fakeProc) Tabs() []interfaces.Tab { return f.tabs }

func (f *fakeProc) Close(timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeProc) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeLauncher struct {
	mu       sync.Mutex
	launches []launchOptions
	procs    []*fakeProc
	err      error
}

func (l *fakeLauncher) Launch(ctx context.Context, opts launchOptions) (browserProc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches = append(l.launches, opts)
	if l.err != nil {
		return nil, l.err
	}

	tabCount := opts.tabs
	if tabCount < 1 {
		tabCount = 1
	}
	proc := &fakeProc{}
	for i := 0; i < tabCount; i++ {
		proc.tabs = append(proc.tabs, &fakeTab{
			slot:     opts.slot,
			index:    i,
			hasProxy: opts.proxy != nil,
			identity: opts.identity,
		})
	}
	l.procs = append(l.procs, proc)
	return proc, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launches)
}

func (l *fakeLauncher) lastLaunch() launchOptions {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches[len(l.launches)-1]
}

type fakeProxyService struct {
	mu        sync.Mutex
	available []*models.Proxy
	bad       []*models.Proxy
	success   []*models.Proxy
	working   []*models.Proxy
}

func (f *fakeProxyService) Acquire(protocolFilter, sessionID string) *models.Proxy {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.available) == 0 {
		return nil
	}
	p := f.available[0]
	f.available = f.available[1:]
	return p
}

func (f *fakeProxyService) Release(p *models.Proxy) {}

func (f *fakeProxyService) MarkSuccess(p *models.Proxy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.success = append(f.success, p)
}

func (f *fakeProxyService) MarkBad(p *models.Proxy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bad = append(f.bad, p)
}

func (f *fakeProxyService) MarkWorking(p *models.Proxy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.working = append(f.working, p)
}

func (f *fakeProxyService) AddSource(name, location string) error    { return nil }
func (f *fakeProxyService) DeleteSource(name string) error           { return nil }
func (f *fakeProxyService) AddRotatingProvider(name, providerType string, config map[string]string) error {
	return nil
}
func (f *fakeProxyService) RemoveRotatingProvider(name string) error  { return nil }
func (f *fakeProxyService) RunValidationCycle(ctx context.Context) error { return nil }
func (f *fakeProxyService) Stats() map[string]interface{}             { return nil }
func (f *fakeProxyService) Shutdown() error                           { return nil }

func (f *fakeProxyService) badCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bad)
}

type fakeProfileService struct {
	mu       sync.Mutex
	drawn    int
	released []string
	working  []string
}

func (f *fakeProfileService) Random() models.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drawn++
	return models.Identity{
		Name:      fmt.Sprintf("fake-identity-%d", f.drawn),
		UserAgent: fmt.Sprintf("FakeAgent/%d", f.drawn),
		Viewport:  models.Viewport{Width: 1920, Height: 1080},
	}
}

func (f *fakeProfileService) Release(i models.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, i.Name)
}

func (f *fakeProfileService) MarkWorking(userAgent string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.working = append(f.working, userAgent)
}

func (f *fakeProfileService) IsWorking(userAgent string) bool { return false }

func (f *fakeProfileService) releasedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

// --- helpers ---

func testBrowserConfig() *common.BrowserConfig {
	return &common.BrowserConfig{
		MinBrowsers:       1,
		MaxBrowsers:       4,
		TabsPerBrowser:    2,
		ProxiedCount:      2,
		Headless:          true,
		NavigationTimeout: 10 * time.Second,
		CloseTimeout:      time.Second,
	}
}

func newTestPool(config *common.BrowserConfig) (*Pool, *fakeLauncher, *fakeProxyService, *fakeProfileService) {
	l := &fakeLauncher{}
	proxies := &fakeProxyService{}
	profiles := &fakeProfileService{}
	p := newPool(config, proxies, profiles, l, arbor.NewLogger())
	p.runCtx, p.cancel = context.WithCancel(context.Background())
	return p, l, proxies, profiles
}

// --- tests ---

func TestSlotIsProxied(t *testing.T) {
	p, _, _, _ := newTestPool(testBrowserConfig())

	assert.False(t, p.slotIsProxied(0))
	assert.False(t, p.slotIsProxied(1))
	assert.True(t, p.slotIsProxied(2), "the last proxiedCount slots bind a proxy")
	assert.True(t, p.slotIsProxied(3))
}

func TestLaunchSlotDirect(t *testing.T) {
	p, l, _, _ := newTestPool(testBrowserConfig())

	p.launchSlot(0)

	require.Equal(t, 1, l.launchCount())
	assert.Nil(t, l.lastLaunch().proxy, "low slots launch direct")

	tabs := p.Tabs()
	require.Len(t, tabs, 2)
	assert.Equal(t, 0, tabs[0].Slot())
	assert.False(t, tabs[0].HasProxy())
}

func TestLaunchProxiedSlotBindsProxy(t *testing.T) {
	p, l, proxies, _ := newTestPool(testBrowserConfig())
	bound := &models.Proxy{Host: "10.0.0.1", Port: 8080, Protocol: "http", IsActive: true}
	proxies.available = []*models.Proxy{bound}

	p.launchSlot(3)

	require.Equal(t, 1, l.launchCount())
	assert.Same(t, bound, l.lastLaunch().proxy)

	tabs := p.Tabs()
	require.Len(t, tabs, 2)
	assert.True(t, tabs[0].HasProxy())
}

func TestLaunchProxiedSlotFallsBackToDirect(t *testing.T) {
	p, l, _, _ := newTestPool(testBrowserConfig())

	// Empty proxy pool: the slot still launches, just without a proxy
	p.launchSlot(3)

	require.Equal(t, 1, l.launchCount())
	assert.Nil(t, l.lastLaunch().proxy)
	assert.Len(t, p.Tabs(), 2)
}

func TestLaunchFailureReleasesResources(t *testing.T) {
	p, l, proxies, profiles := newTestPool(testBrowserConfig())
	l.err = errors.New("chrome exploded")
	bound := &models.Proxy{Host: "10.0.0.1", Port: 8080, Protocol: "http", IsActive: true}
	proxies.available = []*models.Proxy{bound}

	p.launchSlot(3)

	assert.Empty(t, p.Tabs())
	assert.Equal(t, 1, proxies.badCount(), "the unused proxy goes back with a strike")
	assert.Len(t, profiles.releasedNames(), 1)

	p.mu.Lock()
	assert.Equal(t, slotEmpty, p.slots[3].state, "a failed launch must free the slot")
	p.mu.Unlock()
}

func TestScaleUpOnEmptyPool(t *testing.T) {
	p, l, _, _ := newTestPool(testBrowserConfig())

	p.ScaleUp(0)

	assert.Eventually(t, func() bool { return l.launchCount() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestScaleUpRespectsQueueThreshold(t *testing.T) {
	p, l, _, _ := newTestPool(testBrowserConfig())
	p.launchSlot(0)
	require.Equal(t, 1, l.launchCount())

	// occupancy=1, tabsPerBrowser=2 -> threshold is 4
	p.ScaleUp(4)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, l.launchCount(), "queue at the threshold must not scale up")

	p.ScaleUp(5)
	assert.Eventually(t, func() bool { return l.launchCount() == 2 },
		time.Second, 10*time.Millisecond)
}

func TestScaleUpStopsAtMaxBrowsers(t *testing.T) {
	config := testBrowserConfig()
	config.MaxBrowsers = 2
	config.ProxiedCount = 0
	p, l, _, _ := newTestPool(config)
	p.launchSlot(0)
	p.launchSlot(1)
	require.Equal(t, 2, l.launchCount())

	p.ScaleUp(1000)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, l.launchCount())
}

func TestScaleUpCountsPendingAsOccupancy(t *testing.T) {
	config := testBrowserConfig()
	config.MaxBrowsers = 1
	config.ProxiedCount = 0
	p, l, _, _ := newTestPool(config)

	p.mu.Lock()
	p.slots[0].state = slotPending
	p.mu.Unlock()

	p.ScaleUp(1000)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, l.launchCount(), "a pending launch already occupies the only slot")
}

func TestTabsReturnSlotOrder(t *testing.T) {
	config := testBrowserConfig()
	config.ProxiedCount = 0
	p, _, _, _ := newTestPool(config)

	p.launchSlot(1)
	p.launchSlot(0)

	tabs := p.Tabs()
	require.Len(t, tabs, 4)
	assert.Equal(t, 0, tabs[0].Slot(), "tabs come back in slot order regardless of launch order")
	assert.Equal(t, 0, tabs[1].Slot())
	assert.Equal(t, 1, tabs[2].Slot())
	assert.Equal(t, 1, tabs[3].Slot())
}

func TestRotateProfileSwapsIdentityInPlace(t *testing.T) {
	p, _, _, profiles := newTestPool(testBrowserConfig())
	tab := &fakeTab{identity: models.Identity{Name: "old", UserAgent: "OldAgent/1"}}

	ok := p.RotateProfile(context.Background(), tab)

	require.True(t, ok)
	assert.NotEqual(t, "old", tab.Identity().Name)
	assert.Contains(t, profiles.releasedNames(), "old", "the replaced identity returns to the pool")
}

func TestRotateProfileFailureReleasesDraw(t *testing.T) {
	p, _, _, profiles := newTestPool(testBrowserConfig())
	tab := &fakeTab{identity: models.Identity{Name: "old"}, applyErr: errors.New("context destroyed")}

	ok := p.RotateProfile(context.Background(), tab)

	require.False(t, ok)
	assert.Equal(t, "old", tab.Identity().Name)
	released := profiles.releasedNames()
	require.Len(t, released, 1)
	assert.NotEqual(t, "old", released[0], "the undrawable new identity is released, not the old one")
}

func TestMarkProxyWorking(t *testing.T) {
	p, _, proxies, _ := newTestPool(testBrowserConfig())
	bound := &models.Proxy{Host: "10.0.0.1", Port: 8080, Protocol: "http", IsActive: true}
	proxies.available = []*models.Proxy{bound}
	p.launchSlot(3)

	p.MarkProxyWorking(3)

	proxies.mu.Lock()
	defer proxies.mu.Unlock()
	require.Len(t, proxies.success, 1)
	require.Len(t, proxies.working, 1)
	assert.Same(t, bound, proxies.working[0])
}

func TestMarkProxyWorkingDirectSlotIsNoOp(t *testing.T) {
	p, _, proxies, _ := newTestPool(testBrowserConfig())
	p.launchSlot(0)

	p.MarkProxyWorking(0)
	p.MarkProxyWorking(-1)
	p.MarkProxyWorking(99)

	proxies.mu.Lock()
	defer proxies.mu.Unlock()
	assert.Empty(t, proxies.success)
	assert.Empty(t, proxies.working)
}

func TestRestartTearsDownAndPenalizesProxy(t *testing.T) {
	p, l, proxies, profiles := newTestPool(testBrowserConfig())
	bound := &models.Proxy{Host: "10.0.0.1", Port: 8080, Protocol: "http", IsActive: true}
	proxies.available = []*models.Proxy{bound}
	p.launchSlot(3)
	require.Equal(t, 1, l.launchCount())

	p.Restart(3)

	p.mu.Lock()
	state := p.slots[3].state
	p.mu.Unlock()
	assert.Equal(t, slotRestarting, state)
	assert.Empty(t, p.Tabs(), "a restarting slot exposes no tabs")

	assert.Eventually(t, func() bool {
		l.mu.Lock()
		closed := len(l.procs) == 1 && l.procs[0].isClosed()
		l.mu.Unlock()
		return closed && proxies.badCount() == 1 && len(profiles.releasedNames()) == 1
	}, time.Second, 10*time.Millisecond, "restart must mark the proxy bad, release the identity, and close the browser")
}

func TestRestartIgnoresInactiveSlots(t *testing.T) {
	p, l, _, _ := newTestPool(testBrowserConfig())

	p.Restart(0)
	p.Restart(-1)
	p.Restart(99)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, l.launchCount())
}

func TestCreateEphemeral(t *testing.T) {
	p, l, _, profiles := newTestPool(testBrowserConfig())

	tab, cleanup, err := p.CreateEphemeral(context.Background(), "user:pw@10.0.0.1:8080")
	require.NoError(t, err)
	require.NotNil(t, tab)

	assert.Equal(t, ephemeralSlot, tab.Slot())
	assert.True(t, tab.HasProxy())
	require.Equal(t, 1, l.launchCount())
	assert.Equal(t, 1, l.lastLaunch().tabs, "ephemeral browsers are single-tab")

	cleanup()
	l.mu.Lock()
	closed := l.procs[0].isClosed()
	l.mu.Unlock()
	assert.True(t, closed)
	assert.Len(t, profiles.releasedNames(), 1)
}

func TestCreateEphemeralRejectsBadLiteral(t *testing.T) {
	p, l, _, _ := newTestPool(testBrowserConfig())

	_, _, err := p.CreateEphemeral(context.Background(), "not a proxy")
	require.Error(t, err)
	assert.Zero(t, l.launchCount())
}

func TestIncrementFailureBounds(t *testing.T) {
	p, _, _, _ := newTestPool(testBrowserConfig())

	p.IncrementFailure(-1)
	p.IncrementFailure(99)
	p.IncrementFailure(0)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, 1, p.slots[0].consecutiveFailures)
}
