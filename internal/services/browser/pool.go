// Package browser maintains the pool of warm, stealth-configured Chrome
// instances: slot-addressed launches with optional proxy binding, in-place
// identity rotation, restart with cool-off, queue-pressure scale-up, and
// on-demand ephemeral instances.
package browser

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/oyi77/naver-smartstore-sub000/internal/common"
	"github.com/oyi77/naver-smartstore-sub000/internal/interfaces"
	"github.com/oyi77/naver-smartstore-sub000/internal/models"
)

type slotState int

const (
	slotEmpty slotState = iota
	slotPending
	slotActive
	slotRestarting
)

func (s slotState) String() string {
	switch s {
	case slotPending:
		return "pending"
	case slotActive:
		return "active"
	case slotRestarting:
		return "restarting"
	default:
		return "empty"
	}
}

// browserSlot is the pool's record of one browser slot. At most one
// instance and one in-flight launch exist per slot at any time.
type browserSlot struct {
	state               slotState
	proc                browserProc
	identity            models.Identity
	proxy               *models.Proxy
	tabs                []interfaces.Tab
	consecutiveFailures int
}

// Pool owns the browser slots. Lower slot ids launch direct; the last
// proxiedCount slots bind a proxy, so dispatch order (low slots first)
// naturally tries direct browsers before proxied ones.
type Pool struct {
	config   *common.BrowserConfig
	proxies  interfaces.ProxyService
	profiles interfaces.ProfileService
	launcher launcher
	logger   arbor.ILogger

	mu    sync.Mutex
	slots []*browserSlot
	rng   *rand.Rand

	runCtx context.Context
	cancel context.CancelFunc
}

// NewPool creates the pool with the real Chrome launcher.
func NewPool(config *common.BrowserConfig, proxies interfaces.ProxyService, profiles interfaces.ProfileService, logger arbor.ILogger) *Pool {
	return newPool(config, proxies, profiles, &chromeLauncher{logger: logger}, logger)
}

func newPool(config *common.BrowserConfig, proxies interfaces.ProxyService, profiles interfaces.ProfileService, l launcher, logger arbor.ILogger) *Pool {
	slots := make([]*browserSlot, config.MaxBrowsers)
	for i := range slots {
		slots[i] = &browserSlot{}
	}
	return &Pool{
		config:   config,
		proxies:  proxies,
		profiles: profiles,
		launcher: l,
		logger:   logger,
		slots:    slots,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start launches the minimum browser count. Launches are fire-and-forget.
func (p *Pool) Start(ctx context.Context) {
	p.runCtx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.config.MinBrowsers && i < p.config.MaxBrowsers; i++ {
		slot := i
		common.SafeGo(p.logger, fmt.Sprintf("browser-launch-%d", slot), func() {
			p.launchSlot(slot)
		})
	}
}

// slotIsProxied reports whether a slot binds a proxy at launch: the last
// proxiedCount slot ids are proxied.
func (p *Pool) slotIsProxied(slot int) bool {
	return slot >= p.config.MaxBrowsers-p.config.ResolveProxiedCount()
}

// launchSlot runs the full launch protocol for one slot. The pending state
// reserves the slot so concurrent scale-up decisions count it as occupied.
func (p *Pool) launchSlot(slot int) {
	p.mu.Lock()
	if p.slots[slot].state != slotEmpty {
		p.mu.Unlock()
		return
	}
	p.slots[slot].state = slotPending
	p.mu.Unlock()

	identity := p.profiles.Random()

	var proxy *models.Proxy
	if p.slotIsProxied(slot) {
		proxy = p.proxies.Acquire("", "")
		if proxy == nil {
			p.logger.Warn().Int("slot", slot).Msg("No proxy available for proxied slot, launching direct")
		}
	}

	proc, err := p.launcher.Launch(p.runCtx, launchOptions{
		slot:              slot,
		tabs:              p.config.TabsPerBrowser,
		identity:          identity,
		proxy:             proxy,
		headless:          p.config.Headless,
		noSandbox:         p.config.NoSandbox,
		disableGPU:        p.config.DisableGPU,
		navigationTimeout: p.config.NavigationTimeout,
		warmupURL:         p.config.WarmupURL,
	})
	if err != nil {
		p.profiles.Release(identity)
		if proxy != nil {
			p.proxies.MarkBad(proxy)
		}
		p.mu.Lock()
		p.slots[slot].state = slotEmpty
		p.mu.Unlock()

		p.logger.Warn().Err(err).Int("slot", slot).Msg("Browser launch failed")
		return
	}

	p.mu.Lock()
	s := p.slots[slot]
	s.state = slotActive
	s.proc = proc
	s.identity = identity
	s.proxy = proxy
	s.tabs = proc.Tabs()
	s.consecutiveFailures = 0
	p.mu.Unlock()

	p.logger.Info().
		Int("slot", slot).
		Int("tabs", len(proc.Tabs())).
		Bool("proxied", proxy != nil).
		Str("identity", identity.Name).
		Msg("Browser launched")
}

// Tabs returns every tab of every active browser, in slot order.
func (p *Pool) Tabs() []interfaces.Tab {
	p.mu.Lock()
	defer p.mu.Unlock()

	var tabs []interfaces.Tab
	for _, s := range p.slots {
		if s.state == slotActive {
			tabs = append(tabs, s.tabs...)
		}
	}
	return tabs
}

// ScaleUp launches one more browser when queue pressure warrants it:
// occupancy counts active, restarting, and pending slots, and a launch
// happens when the queue exceeds twice the pool's tab capacity (or the
// pool is empty). Fire-and-forget so the dispatcher never blocks.
func (p *Pool) ScaleUp(queueLen int) {
	p.mu.Lock()
	occupancy := 0
	free := -1
	for i, s := range p.slots {
		if s.state != slotEmpty {
			occupancy++
		} else if free == -1 {
			free = i
		}
	}
	p.mu.Unlock()

	if free == -1 || occupancy >= p.config.MaxBrowsers {
		return
	}
	if occupancy > 0 && queueLen <= 2*occupancy*p.config.TabsPerBrowser {
		return
	}

	p.logger.Debug().
		Int("queue_len", queueLen).
		Int("occupancy", occupancy).
		Int("slot", free).
		Msg("Scaling up browser pool")

	slot := free
	common.SafeGo(p.logger, fmt.Sprintf("browser-scaleup-%d", slot), func() {
		p.launchSlot(slot)
	})
}

// Restart tears a slot down and relaunches it after a random 5-10 s
// cool-off. The old proxy is marked bad and the identity released.
// Asynchronous; the caller abandons its attempt immediately.
func (p *Pool) Restart(slot int) {
	if slot < 0 || slot >= len(p.slots) {
		return
	}

	p.mu.Lock()
	s := p.slots[slot]
	if s.state != slotActive {
		p.mu.Unlock()
		return
	}
	s.state = slotRestarting
	proc, proxy, identity := s.proc, s.proxy, s.identity
	s.proc = nil
	s.proxy = nil
	s.tabs = nil
	p.mu.Unlock()

	common.SafeGo(p.logger, fmt.Sprintf("browser-restart-%d", slot), func() {
		if proxy != nil {
			p.proxies.MarkBad(proxy)
		}
		p.profiles.Release(identity)

		if err := proc.Close(p.config.CloseTimeout); err != nil {
			p.logger.Warn().Err(err).Int("slot", slot).Msg("Browser close during restart")
		}

		p.mu.Lock()
		cooloff := 5*time.Second + time.Duration(p.rng.Int63n(int64(5*time.Second)))
		p.mu.Unlock()
		p.logger.Info().Int("slot", slot).Dur("cooloff", cooloff).Msg("Browser restarting")
		time.Sleep(cooloff)

		p.mu.Lock()
		p.slots[slot].state = slotEmpty
		p.mu.Unlock()
		p.launchSlot(slot)
	})
}

// RotateProfile swaps the tab's identity in place. Returns false when no
// identity could be drawn or applied; the caller falls back to a restart.
func (p *Pool) RotateProfile(ctx context.Context, tab interfaces.Tab) bool {
	applier, ok := tab.(identityApplier)
	if !ok {
		return false
	}

	next := p.profiles.Random()
	if next.UserAgent == "" {
		return false
	}

	old := tab.Identity()
	if err := applier.ApplyIdentity(ctx, next); err != nil {
		p.logger.Warn().Err(err).Int("slot", tab.Slot()).Int("tab", tab.Index()).Msg("In-place identity rotation failed")
		p.profiles.Release(next)
		return false
	}
	p.profiles.Release(old)

	p.logger.Debug().
		Int("slot", tab.Slot()).
		Int("tab", tab.Index()).
		Str("identity", next.Name).
		Msg("Tab identity rotated in place")
	return true
}

// IncrementFailure bumps a slot's consecutive-failure counter. The counter
// is diagnostic only; restart decisions come from the error classifier.
func (p *Pool) IncrementFailure(slot int) {
	if slot < 0 || slot >= len(p.slots) {
		return
	}
	p.mu.Lock()
	p.slots[slot].consecutiveFailures++
	p.mu.Unlock()
}

// MarkProxyWorking whitelists the slot's bound proxy after a confirmed
// success through it.
func (p *Pool) MarkProxyWorking(slot int) {
	if slot < 0 || slot >= len(p.slots) {
		return
	}
	p.mu.Lock()
	proxy := p.slots[slot].proxy
	p.mu.Unlock()

	if proxy != nil {
		p.proxies.MarkSuccess(proxy)
		p.proxies.MarkWorking(proxy)
	}
}

// Stats reports the pool's slot states for diagnostics.
func (p *Pool) Stats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	slots := make([]map[string]interface{}, len(p.slots))
	active := 0
	for i, s := range p.slots {
		if s.state == slotActive {
			active++
		}
		slots[i] = map[string]interface{}{
			"state":                s.state.String(),
			"proxied":              s.proxy != nil,
			"tabs":                 len(s.tabs),
			"identity":             s.identity.Name,
			"consecutive_failures": s.consecutiveFailures,
		}
	}
	return map[string]interface{}{
		"max_browsers": p.config.MaxBrowsers,
		"active":       active,
		"slots":        slots,
	}
}

// Shutdown closes every browser. Bounded per browser by the close timeout.
func (p *Pool) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	p.mu.Lock()
	var procs []browserProc
	for _, s := range p.slots {
		if s.proc != nil {
			procs = append(procs, s.proc)
		}
		s.state = slotEmpty
		s.proc = nil
		s.tabs = nil
	}
	p.mu.Unlock()

	for _, proc := range procs {
		if err := proc.Close(p.config.CloseTimeout); err != nil {
			p.logger.Warn().Err(err).Msg("Browser close during shutdown")
		}
	}

	p.logger.Info().Int("closed", len(procs)).Msg("Browser pool shut down")
	return nil
}

var _ interfaces.BrowserPool = (*Pool)(nil)
