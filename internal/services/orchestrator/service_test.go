package orchestrator

import (
	"context"
	"encoding/json"
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
	"github.com/oyi77/naver-smartstore-sub000/internal/services/results"
)

// --- fakes ---

type fakeTab struct {
	slot     int
	index    int
	hasProxy bool
	identity models.Identity
}

func (f *fakeTab) Slot() int                 { return f.slot }
func (f *fakeTab) Index() int                { return f.index }
func (f *fakeTab) HasProxy() bool            { return f.hasProxy }
func (f *fakeTab) Identity() models.Identity { return f.identity }

func (f *fakeTab) Navigate(ctx context.Context, url string) error { return nil }
func (f *fakeTab) EvaluateJSON(ctx context.Context, expression string) ([]byte, error) {
	return []byte("null"), nil
}
func (f *fakeTab) Blank(ctx context.Context) error { return nil }

type fakePool struct {
	mu           sync.Mutex
	tabs         []interfaces.Tab
	scaleUps     []int
	restarts     []int
	failures     []int
	proxyWorking []int
	rotated      int
	rotateOK     bool

	removeOnRestart bool

	ephemeralTab interfaces.Tab
	ephemeralErr error
	cleanups     int
}

func (f *fakePool) Tabs() []interfaces.Tab {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]interfaces.Tab(nil), f.tabs...)
}

func (f *fakePool) ScaleUp(queueLen int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scaleUps = append(f.scaleUps, queueLen)
}

func (f *fakePool) Restart(slot int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, slot)
	if f.removeOnRestart {
		kept := f.tabs[:0]
		for _, tab := range f.tabs {
			if tab.Slot() != slot {
				kept = append(kept, tab)
			}
		}
		f.tabs = kept
	}
}

func (f *fakePool) RotateProfile(ctx context.Context, tab interfaces.Tab) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotated++
	return f.rotateOK
}

func (f *fakePool) IncrementFailure(slot int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, slot)
}

func (f *fakePool) MarkProxyWorking(slot int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proxyWorking = append(f.proxyWorking, slot)
}

func (f *fakePool) CreateEphemeral(ctx context.Context, proxyLiteral string) (interfaces.Tab, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ephemeralErr != nil {
		return nil, nil, f.ephemeralErr
	}
	return f.ephemeralTab, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cleanups++
	}, nil
}

func (f *fakePool) Shutdown(ctx context.Context) error { return nil }

func (f *fakePool) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.restarts)
}

func (f *fakePool) rotatedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rotated
}

var _ interfaces.BrowserPool = (*fakePool)(nil)

type fakeProfiles struct {
	mu      sync.Mutex
	working []string
}

func (f *fakeProfiles) Random() models.Identity        { return models.Identity{Name: "fake", UserAgent: "FakeAgent/1"} }
func (f *fakeProfiles) Release(i models.Identity)      {}
func (f *fakeProfiles) IsWorking(userAgent string) bool { return false }

func (f *fakeProfiles) MarkWorking(userAgent string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.working = append(f.working, userAgent)
}

func (f *fakeProfiles) workingAgents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.working...)
}

var _ interfaces.ProfileService = (*fakeProfiles)(nil)

type fakeStateStore struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	queue   []string
	deleted []string
	closed  bool
	loadErr error
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{jobs: make(map[string]*models.Job)}
}

func (f *fakeStateStore) SaveJob(ctx context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job.Clone()
	return nil
}

func (f *fakeStateStore) SaveState(ctx context.Context, jobs map[string]*models.Job, queue []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = make(map[string]*models.Job, len(jobs))
	for id, job := range jobs {
		f.jobs[id] = job.Clone()
	}
	f.queue = append([]string(nil), queue...)
	return nil
}

func (f *fakeStateStore) Load(ctx context.Context) (map[string]*models.Job, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, nil, f.loadErr
	}
	jobs := make(map[string]*models.Job, len(f.jobs))
	for id, job := range f.jobs {
		jobs[id] = job.Clone()
	}
	return jobs, append([]string(nil), f.queue...), nil
}

func (f *fakeStateStore) DeleteJobs(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.jobs, id)
		f.deleted = append(f.deleted, id)
	}
	return nil
}

func (f *fakeStateStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

var _ interfaces.StateStore = (*fakeStateStore)(nil)

// scriptedRoutine counts calls and delegates to fn with the call ordinal.
type scriptedRoutine struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, call int, tab interfaces.Tab, url string, onProgress interfaces.ProgressFunc) (json.RawMessage, error)
}

func (r *scriptedRoutine) Fetch(ctx context.Context, tab interfaces.Tab, url string, onProgress interfaces.ProgressFunc) (json.RawMessage, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	r.mu.Unlock()
	return r.fn(ctx, call, tab, url, onProgress)
}

func (r *scriptedRoutine) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func succeedWith(data string) *scriptedRoutine {
	return &scriptedRoutine{fn: func(context.Context, int, interfaces.Tab, string, interfaces.ProgressFunc) (json.RawMessage, error) {
		return json.RawMessage(data), nil
	}}
}

// --- helpers ---

func testQueueConfig() *common.QueueConfig {
	return &common.QueueConfig{
		RetryAttempts:    3,
		HedgeDelay:       50 * time.Millisecond,
		RetentionWindow:  24 * time.Hour,
		CleanupSchedule:  "0 * * * *",
		MaxProductFanout: 5,
		FanoutPerSecond:  1000,
	}
}

type orchestratorFixture struct {
	service  *Service
	pool     *fakePool
	profiles *fakeProfiles
	store    *fakeStateStore
	results  *results.Store
}

func newFixture(t *testing.T, config *common.QueueConfig, pool *fakePool, routines map[models.JobKind]interfaces.FetchRoutine) *orchestratorFixture {
	logger := arbor.NewLogger()

	resultStore, err := results.NewStore(&common.CacheConfig{
		ResultTTL:         time.Minute,
		PreloadStoreTTL:   time.Minute,
		PreloadProductTTL: time.Minute,
		MaxEntries:        1000,
	}, logger)
	require.NoError(t, err)

	stateStore := newFakeStateStore()
	profiles := &fakeProfiles{}

	s := NewService(config, pool, profiles, routines, resultStore, stateStore, logger)
	s.rotateSleep = time.Millisecond
	s.retrySleep = time.Millisecond

	t.Cleanup(func() {
		_ = s.Shutdown()
		resultStore.Close()
	})

	return &orchestratorFixture{service: s, pool: pool, profiles: profiles, store: stateStore, results: resultStore}
}

func startedFixture(t *testing.T, pool *fakePool, routines map[models.JobKind]interfaces.FetchRoutine) *orchestratorFixture {
	f := newFixture(t, testQueueConfig(), pool, routines)
	require.NoError(t, f.service.Start(context.Background()))
	return f
}

func allKinds(routine interfaces.FetchRoutine) map[models.JobKind]interfaces.FetchRoutine {
	return map[models.JobKind]interfaces.FetchRoutine{
		models.JobKindProduct:  routine,
		models.JobKindStore:    routine,
		models.JobKindCategory: routine,
	}
}

func jobStatusOf(f *orchestratorFixture, id string) models.JobStatus {
	job, ok := f.service.GetJob(id)
	if !ok {
		return ""
	}
	return job.Status
}

func waitCompleted(t *testing.T, f *orchestratorFixture, id string) *models.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		return jobStatusOf(f, id) == models.JobStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	job, ok := f.service.GetJob(id)
	require.True(t, ok)
	return job
}

func waitFailed(t *testing.T, f *orchestratorFixture, id string) *models.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		return jobStatusOf(f, id) == models.JobStatusFailed
	}, 2*time.Second, 5*time.Millisecond)
	job, ok := f.service.GetJob(id)
	require.True(t, ok)
	return job
}

// --- tests ---

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	f := startedFixture(t, &fakePool{}, allKinds(succeedWith(`{}`)))

	_, err := f.service.Enqueue("https://smartstore.naver.com/somestore", models.JobKind("bogus"), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownJobKind)

	_, err = f.service.Enqueue("", models.JobKindProduct, "")
	assert.Error(t, err)
}

func TestEnqueueDeduplicatesLiveJobs(t *testing.T) {
	// No tabs: jobs stay pending, so the second enqueue must return the first
	f := startedFixture(t, &fakePool{}, allKinds(succeedWith(`{}`)))

	first, err := f.service.Enqueue("https://smartstore.naver.com/somestore/products/1", models.JobKindProduct, "")
	require.NoError(t, err)

	second, err := f.service.Enqueue("https://smartstore.naver.com/somestore/products/1/", models.JobKindProduct, "")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "normalized URL variants map to the same live job")
	assert.Equal(t, 1, f.service.QueueLen())
}

func TestEnqueueAfterCompletionCreatesNewJob(t *testing.T) {
	tab := &fakeTab{identity: models.Identity{UserAgent: "FakeAgent/1"}}
	f := startedFixture(t, &fakePool{tabs: []interfaces.Tab{tab}}, allKinds(succeedWith(`{"ok":true}`)))

	first, err := f.service.Enqueue("https://smartstore.naver.com/somestore/products/1", models.JobKindProduct, "")
	require.NoError(t, err)
	waitCompleted(t, f, first.ID)

	second, err := f.service.Enqueue("https://smartstore.naver.com/somestore/products/1", models.JobKindProduct, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID, "a finished job never absorbs new requests")
}

func TestDispatchCompletesJob(t *testing.T) {
	tab := &fakeTab{identity: models.Identity{UserAgent: "FakeAgent/1"}}
	pool := &fakePool{tabs: []interfaces.Tab{tab}}
	f := startedFixture(t, pool, allKinds(succeedWith(`{"name":"product"}`)))

	job, err := f.service.Enqueue("https://smartstore.naver.com/somestore/products/1", models.JobKindProduct, "")
	require.NoError(t, err)

	done := waitCompleted(t, f, job.ID)
	require.NotNil(t, done.Result)
	assert.False(t, done.Result.IsPartial)
	assert.JSONEq(t, `{"name":"product"}`, string(done.Result.Data))

	cached, ok := f.results.GetResult(job.URL)
	require.True(t, ok, "a final result lands in the result cache")
	assert.JSONEq(t, `{"name":"product"}`, string(cached))

	assert.Contains(t, f.profiles.workingAgents(), "FakeAgent/1")

	f.service.mu.Lock()
	busy := len(f.service.busy)
	f.service.mu.Unlock()
	assert.Zero(t, busy, "the tab returns to the free set")
}

func TestDirectTabsClaimedBeforeProxied(t *testing.T) {
	var mu sync.Mutex
	var usedSlots []int
	routine := &scriptedRoutine{fn: func(_ context.Context, _ int, tab interfaces.Tab, _ string, _ interfaces.ProgressFunc) (json.RawMessage, error) {
		mu.Lock()
		usedSlots = append(usedSlots, tab.Slot())
		mu.Unlock()
		return json.RawMessage(`{}`), nil
	}}

	proxied := &fakeTab{slot: 0, hasProxy: true}
	direct := &fakeTab{slot: 1}
	// Proxied tab listed first: selection must still prefer the direct one
	pool := &fakePool{tabs: []interfaces.Tab{proxied, direct}}
	f := startedFixture(t, pool, allKinds(routine))

	job, err := f.service.Enqueue("https://smartstore.naver.com/somestore/products/1", models.JobKindProduct, "")
	require.NoError(t, err)
	waitCompleted(t, f, job.ID)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, usedSlots)
	assert.Equal(t, 1, usedSlots[0])
}

func TestCompletionWhitelistsProxiedPath(t *testing.T) {
	tab := &fakeTab{slot: 3, hasProxy: true, identity: models.Identity{UserAgent: "FakeAgent/1"}}
	pool := &fakePool{tabs: []interfaces.Tab{tab}}
	f := startedFixture(t, pool, allKinds(succeedWith(`{}`)))

	job, err := f.service.Enqueue("https://smartstore.naver.com/somestore/products/1", models.JobKindProduct, "")
	require.NoError(t, err)
	waitCompleted(t, f, job.ID)

	pool.mu.Lock()
	defer pool.mu.Unlock()
	assert.Equal(t, []int{3}, pool.proxyWorking)
}

func TestHedgeSecondAttemptWins(t *testing.T) {
	routine := &scriptedRoutine{fn: func(ctx context.Context, _ int, tab interfaces.Tab, _ string, _ interfaces.ProgressFunc) (json.RawMessage, error) {
		if tab.Slot() == 0 {
			// The slow first worker parks until the winner cancels it
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return json.RawMessage(`{"winner":"hedge"}`), nil
	}}

	slow := &fakeTab{slot: 0}
	fast := &fakeTab{slot: 1}
	pool := &fakePool{tabs: []interfaces.Tab{slow, fast}}
	f := startedFixture(t, pool, allKinds(routine))

	job, err := f.service.Enqueue("https://smartstore.naver.com/somestore/products/1", models.JobKindProduct, "")
	require.NoError(t, err)

	done := waitCompleted(t, f, job.ID)
	assert.JSONEq(t, `{"winner":"hedge"}`, string(done.Result.Data))
	assert.Empty(t, done.Error, "the outraced attempt must not taint the job")

	assert.Eventually(t, func() bool {
		f.service.mu.Lock()
		defer f.service.mu.Unlock()
		return len(f.service.busy) == 0
	}, 2*time.Second, 5*time.Millisecond, "both tabs return to the free set")
}

func TestRetryBudgetExhaustionFailsJob(t *testing.T) {
	routine := &scriptedRoutine{fn: func(context.Context, int, interfaces.Tab, string, interfaces.ProgressFunc) (json.RawMessage, error) {
		return nil, errors.New("page structure changed")
	}}
	pool := &fakePool{tabs: []interfaces.Tab{&fakeTab{}}}
	f := startedFixture(t, pool, allKinds(routine))

	job, err := f.service.Enqueue("https://smartstore.naver.com/somestore/products/1", models.JobKindProduct, "")
	require.NoError(t, err)

	failed := waitFailed(t, f, job.ID)
	assert.Contains(t, failed.Error, "page structure changed")
	assert.Equal(t, 3, routine.callCount(), "generic failures consume the whole retry budget")
}

func TestNoContentIsTerminal(t *testing.T) {
	routine := &scriptedRoutine{fn: func(context.Context, int, interfaces.Tab, string, interfaces.ProgressFunc) (json.RawMessage, error) {
		return nil, fmt.Errorf("%s: product gone", models.ErrMarkerNoContent)
	}}
	pool := &fakePool{tabs: []interfaces.Tab{&fakeTab{}}}
	f := startedFixture(t, pool, allKinds(routine))

	job, err := f.service.Enqueue("https://smartstore.naver.com/somestore/products/1", models.JobKindProduct, "")
	require.NoError(t, err)

	failed := waitFailed(t, f, job.ID)
	assert.Contains(t, failed.Error, models.ErrMarkerNoContent)
	assert.Equal(t, 1, routine.callCount(), "an empty resource never retries")
}

func TestUnsupportedBrowserRotatesWithoutConsumingBudget(t *testing.T) {
	routine := &scriptedRoutine{fn: func(_ context.Context, call int, _ interfaces.Tab, _ string, _ interfaces.ProgressFunc) (json.RawMessage, error) {
		if call <= 2 {
			return nil, fmt.Errorf("%s: origin rejected identity", models.ErrMarkerUnsupportedBrowser)
		}
		return json.RawMessage(`{"ok":true}`), nil
	}}
	pool := &fakePool{tabs: []interfaces.Tab{&fakeTab{}}, rotateOK: true}

	config := testQueueConfig()
	config.RetryAttempts = 1
	f := newFixture(t, config, pool, allKinds(routine))
	require.NoError(t, f.service.Start(context.Background()))

	job, err := f.service.Enqueue("https://smartstore.naver.com/somestore/products/1", models.JobKindProduct, "")
	require.NoError(t, err)

	waitCompleted(t, f, job.ID)
	assert.Equal(t, 3, routine.callCount(), "identity rejections retry beyond the budget")
	assert.Equal(t, 2, pool.rotatedCount())
}

func TestCriticalBrowserErrorRequeuesAtHead(t *testing.T) {
	routine := &scriptedRoutine{fn: func(context.Context, int, interfaces.Tab, string, interfaces.ProgressFunc) (json.RawMessage, error) {
		return nil, fmt.Errorf("navigate failed: %s", models.ErrMarkerTargetClosed)
	}}
	// The restart removes the dead tab, so the requeued job waits for capacity
	pool := &fakePool{tabs: []interfaces.Tab{&fakeTab{slot: 2}}, removeOnRestart: true}
	f := startedFixture(t, pool, allKinds(routine))

	job, err := f.service.Enqueue("https://smartstore.naver.com/somestore/products/1", models.JobKindProduct, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return pool.restartCount() == 1 },
		2*time.Second, 5*time.Millisecond)
	pool.mu.Lock()
	assert.Equal(t, []int{2}, pool.restarts)
	pool.mu.Unlock()

	assert.Eventually(t, func() bool {
		return jobStatusOf(f, job.ID) == models.JobStatusPending && f.service.QueueLen() == 1
	}, 2*time.Second, 5*time.Millisecond, "the job goes back to the queue head, not to failed")
}

func TestRateLimitedAttemptPenalizesPathAndRecovers(t *testing.T) {
	routine := &scriptedRoutine{fn: func(_ context.Context, call int, _ interfaces.Tab, _ string, _ interfaces.ProgressFunc) (json.RawMessage, error) {
		if call == 1 {
			return nil, fmt.Errorf("api call: %s", models.ErrMarkerHTTP429)
		}
		return json.RawMessage(`{"ok":true}`), nil
	}}
	pool := &fakePool{tabs: []interfaces.Tab{&fakeTab{slot: 3, hasProxy: true}}}
	f := startedFixture(t, pool, allKinds(routine))

	job, err := f.service.Enqueue("https://smartstore.naver.com/somestore/products/1", models.JobKindProduct, "")
	require.NoError(t, err)

	waitCompleted(t, f, job.ID)
	assert.Equal(t, 1, pool.restartCount(), "a 429 tears the exit path down")
	pool.mu.Lock()
	assert.Equal(t, []int{3}, pool.failures)
	pool.mu.Unlock()
	assert.Equal(t, 2, routine.callCount())
}

func TestRecoveryDemotesInterruptedJobsToHead(t *testing.T) {
	store := newFakeStateStore()
	now := time.Now()
	store.jobs = map[string]*models.Job{
		"job_a": {ID: "job_a", URL: "https://s.example/a", Kind: models.JobKindProduct, Status: models.JobStatusProcessing, CreatedAt: now.Add(-3 * time.Minute)},
		"job_b": {ID: "job_b", URL: "https://s.example/b", Kind: models.JobKindProduct, Status: models.JobStatusPending, CreatedAt: now.Add(-2 * time.Minute)},
		"job_c": {ID: "job_c", URL: "https://s.example/c", Kind: models.JobKindProduct, Status: models.JobStatusProcessing, CreatedAt: now.Add(-4 * time.Minute)},
		"job_d": {ID: "job_d", URL: "https://s.example/d", Kind: models.JobKindProduct, Status: models.JobStatusCompleted, CreatedAt: now.Add(-time.Hour)},
	}
	// job_c was processing but never persisted into the queue order
	store.queue = []string{"job_a", "job_b"}

	logger := arbor.NewLogger()
	resultStore, err := results.NewStore(&common.CacheConfig{
		ResultTTL: time.Minute, PreloadStoreTTL: time.Minute, PreloadProductTTL: time.Minute, MaxEntries: 100,
	}, logger)
	require.NoError(t, err)
	defer resultStore.Close()

	s := NewService(testQueueConfig(), &fakePool{}, &fakeProfiles{}, allKinds(succeedWith(`{}`)), resultStore, store, logger)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Shutdown() }()

	s.mu.Lock()
	queue := append([]string(nil), s.queue...)
	s.mu.Unlock()
	assert.Equal(t, []string{"job_a", "job_c", "job_b"},
		queue, "interrupted work resumes before pending work")

	for _, id := range queue {
		job, ok := s.GetJob(id)
		require.True(t, ok)
		assert.Equal(t, models.JobStatusPending, job.Status)
	}

	done, ok := s.GetJob("job_d")
	require.True(t, ok)
	assert.Equal(t, models.JobStatusCompleted, done.Status, "terminal jobs survive recovery untouched")
}

func TestGetJobFallsBackToStore(t *testing.T) {
	f := startedFixture(t, &fakePool{}, allKinds(succeedWith(`{}`)))

	ghost := &models.Job{ID: "job_ghost", URL: "https://s.example/x", Status: models.JobStatusCompleted, CreatedAt: time.Now()}
	require.NoError(t, f.store.SaveJob(context.Background(), ghost))

	job, ok := f.service.GetJob("job_ghost")
	require.True(t, ok, "jobs written by a previous incarnation stay visible")
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	_, ok = f.service.GetJob("job_never")
	assert.False(t, ok)
}

func TestGetJobByURLReturnsNewest(t *testing.T) {
	f := startedFixture(t, &fakePool{}, allKinds(succeedWith(`{}`)))
	now := time.Now()

	f.service.mu.Lock()
	f.service.jobs["job_old"] = &models.Job{ID: "job_old", URL: "https://s.example/a", Status: models.JobStatusFailed, CreatedAt: now.Add(-time.Hour)}
	f.service.jobs["job_new"] = &models.Job{ID: "job_new", URL: "https://s.example/a", Status: models.JobStatusCompleted, CreatedAt: now}
	f.service.mu.Unlock()

	job, ok := f.service.GetJobByURL("https://s.example/a")
	require.True(t, ok)
	assert.Equal(t, "job_new", job.ID)

	_, ok = f.service.GetJobByURL("https://s.example/missing")
	assert.False(t, ok)
}

func TestSweepRemovesOldTerminalJobs(t *testing.T) {
	f := startedFixture(t, &fakePool{}, allKinds(succeedWith(`{}`)))
	now := time.Now()

	f.service.mu.Lock()
	f.service.jobs["job_old_done"] = &models.Job{ID: "job_old_done", URL: "https://s.example/a", Status: models.JobStatusCompleted, CreatedAt: now.Add(-48 * time.Hour)}
	f.service.jobs["job_old_live"] = &models.Job{ID: "job_old_live", URL: "https://s.example/b", Status: models.JobStatusPending, CreatedAt: now.Add(-48 * time.Hour)}
	f.service.jobs["job_new_done"] = &models.Job{ID: "job_new_done", URL: "https://s.example/c", Status: models.JobStatusFailed, CreatedAt: now}
	f.service.mu.Unlock()

	f.service.sweep()

	_, ok := f.service.GetJob("job_old_done")
	assert.False(t, ok, "old terminal jobs are swept")
	_, ok = f.service.GetJob("job_old_live")
	assert.True(t, ok, "live jobs are never swept regardless of age")
	_, ok = f.service.GetJob("job_new_done")
	assert.True(t, ok, "recent terminal jobs stay within the retention window")

	f.store.mu.Lock()
	deleted := append([]string(nil), f.store.deleted...)
	f.store.mu.Unlock()
	assert.Equal(t, []string{"job_old_done"}, deleted)
}

func TestStoreCompletionFansOutProducts(t *testing.T) {
	storePayload := `{"channelId":"100123","allProductIds":["1","2","3","4","5","6","7","8"]}`
	routines := map[models.JobKind]interfaces.FetchRoutine{
		models.JobKindStore:    succeedWith(storePayload),
		models.JobKindCategory: succeedWith(storePayload),
		models.JobKindProduct:  succeedWith(`{"ok":true}`),
	}
	pool := &fakePool{tabs: []interfaces.Tab{&fakeTab{identity: models.Identity{UserAgent: "FakeAgent/1"}}}}
	f := startedFixture(t, pool, routines)

	job, err := f.service.Enqueue("https://smartstore.naver.com/somestore", models.JobKindStore, "")
	require.NoError(t, err)
	waitCompleted(t, f, job.ID)

	// 1 store job + fan-out capped at 5 of the 8 products
	require.Eventually(t, func() bool { return f.service.jobCount() == 6 },
		2*time.Second, 5*time.Millisecond)

	product, ok := f.service.GetJobByURL("https://smartstore.naver.com/somestore/products/1")
	require.True(t, ok)
	assert.Equal(t, models.JobKindProduct, product.Kind)
}

func TestCategoryCompletionFansOutToStoreProducts(t *testing.T) {
	categoryPayload := `{"channelId":"100123","allProductIds":["1","2"]}`
	routines := map[models.JobKind]interfaces.FetchRoutine{
		models.JobKindStore:    succeedWith(categoryPayload),
		models.JobKindCategory: succeedWith(categoryPayload),
		models.JobKindProduct:  succeedWith(`{"ok":true}`),
	}
	pool := &fakePool{tabs: []interfaces.Tab{&fakeTab{identity: models.Identity{UserAgent: "FakeAgent/1"}}}}
	f := startedFixture(t, pool, routines)

	job, err := f.service.Enqueue("https://smartstore.naver.com/somestore/category/ALL", models.JobKindCategory, "")
	require.NoError(t, err)
	waitCompleted(t, f, job.ID)

	require.Eventually(t, func() bool { return f.service.jobCount() == 3 },
		2*time.Second, 5*time.Millisecond)

	// Product jobs hang off the store root, not the category path
	product, ok := f.service.GetJobByURL("https://smartstore.naver.com/somestore/products/1")
	require.True(t, ok)
	assert.Equal(t, models.JobKindProduct, product.Kind)

	_, ok = f.service.GetJobByURL("https://smartstore.naver.com/somestore/category/ALL/products/1")
	assert.False(t, ok)
}

func TestEphemeralProxyBypassesQueue(t *testing.T) {
	pool := &fakePool{
		ephemeralTab: &fakeTab{slot: -1, hasProxy: true, identity: models.Identity{UserAgent: "FakeAgent/1"}},
	}
	f := startedFixture(t, pool, allKinds(succeedWith(`{"ok":true}`)))

	job, err := f.service.Enqueue("https://smartstore.naver.com/somestore/products/1", models.JobKindProduct, "user:pw@10.0.0.1:8080")
	require.NoError(t, err)
	assert.Zero(t, f.service.QueueLen(), "ephemeral jobs never enter the shared queue")

	waitCompleted(t, f, job.ID)
	assert.Eventually(t, func() bool {
		pool.mu.Lock()
		defer pool.mu.Unlock()
		return pool.cleanups == 1
	}, 2*time.Second, 5*time.Millisecond, "the dedicated browser is torn down after the job")
}

func TestEphemeralLaunchFailureFailsJob(t *testing.T) {
	pool := &fakePool{ephemeralErr: errors.New("invalid ephemeral proxy")}
	f := startedFixture(t, pool, allKinds(succeedWith(`{}`)))

	job, err := f.service.Enqueue("https://smartstore.naver.com/somestore/products/1", models.JobKindProduct, "user:pw@10.0.0.1:8080")
	require.NoError(t, err)

	failed := waitFailed(t, f, job.ID)
	assert.Contains(t, failed.Error, "invalid ephemeral proxy")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected errorClass
	}{
		{"nil", nil, classOther},
		{"target closed", errors.New("chrome error: target closed"), classCriticalBrowser},
		{"session closed", errors.New("rpc: session closed"), classCriticalBrowser},
		{"detached frame", errors.New("detached frame"), classCriticalBrowser},
		{"context destroyed", errors.New("execution context destroyed mid-eval"), classCriticalBrowser},
		{"http 429", fmt.Errorf("api: %s", models.ErrMarkerHTTP429), classProxyOrNetwork},
		{"http 403", fmt.Errorf("api: %s", models.ErrMarkerHTTP403), classProxyOrNetwork},
		{"network", fmt.Errorf("%s: dial failed", models.ErrMarkerNetwork), classProxyOrNetwork},
		{"timeout", fmt.Errorf("%s after 30s", models.ErrMarkerTimeout), classProxyOrNetwork},
		{"channel missing", fmt.Errorf("%s for store", models.ErrMarkerChannelIDNotFound), classProxyOrNetwork},
		{"conn refused", errors.New("dial tcp: connection refused"), classProxyOrNetwork},
		{"conn reset", errors.New("read: connection reset by peer"), classProxyOrNetwork},
		{"no content", fmt.Errorf("%s: gone", models.ErrMarkerNoContent), classNoContent},
		{"unsupported browser", fmt.Errorf("%s", models.ErrMarkerUnsupportedBrowser), classUnsupportedBrowser},
		{"unknown", errors.New("something else entirely"), classOther},
		{"browser condition wins over network noise", errors.New("target closed: NETWORK read failed"), classCriticalBrowser},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, classify(tt.err))
		})
	}
}

func TestPartialResultVisibleWhileProcessing(t *testing.T) {
	release := make(chan struct{})
	routine := &scriptedRoutine{fn: func(ctx context.Context, _ int, _ interfaces.Tab, _ string, onProgress interfaces.ProgressFunc) (json.RawMessage, error) {
		onProgress(json.RawMessage(`{"stage":"preload"}`))
		select {
		case <-release:
		case <-ctx.Done():
		}
		return json.RawMessage(`{"stage":"final"}`), nil
	}}
	pool := &fakePool{tabs: []interfaces.Tab{&fakeTab{}}}
	f := startedFixture(t, pool, allKinds(routine))

	job, err := f.service.Enqueue("https://smartstore.naver.com/somestore/products/1", models.JobKindProduct, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snapshot, ok := f.service.GetJob(job.ID)
		return ok && snapshot.Result != nil && snapshot.Result.IsPartial
	}, 2*time.Second, 5*time.Millisecond, "pollers see the partial before the fetch finishes")

	close(release)
	done := waitCompleted(t, f, job.ID)
	assert.JSONEq(t, `{"stage":"final"}`, string(done.Result.Data))
}
