// Package orchestrator is the fetch queue: it accepts jobs, deduplicates
// them against live work, dispatches them to browser tabs with hedged
// racing, classifies failures into remediation actions, and persists its
// state for crash recovery.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/oyi77/naver-smartstore-sub000/internal/common"
	"github.com/oyi77/naver-smartstore-sub000/internal/interfaces"
	"github.com/oyi77/naver-smartstore-sub000/internal/models"
	"github.com/oyi77/naver-smartstore-sub000/internal/services/results"
)

// ErrUnknownJobKind is returned by Enqueue for an unrecognized kind.
var ErrUnknownJobKind = fmt.Errorf("unknown job kind")

// Service is the fetch orchestrator. All queue state (jobs map, queue
// order, busy set, live-URL index) lives in one synchronization domain
// guarded by mu; nothing blocking runs under it.
type Service struct {
	config   *common.QueueConfig
	pool     interfaces.BrowserPool
	profiles interfaces.ProfileService
	routines map[models.JobKind]interfaces.FetchRoutine
	results  *results.Store
	store    interfaces.StateStore
	logger   arbor.ILogger

	mu          sync.Mutex
	jobs        map[string]*models.Job
	queue       []string
	byURL       map[string]string // normalized url -> live (pending/processing) job id
	busy        map[interfaces.Tab]bool
	limiters    map[string]*rate.Limiter // per-store fan-out throttles
	dispatching bool

	ready  atomic.Bool
	runCtx context.Context
	cancel context.CancelFunc
	cron   *cron.Cron

	// test seams for the classifier's timed waits
	rotateSleep time.Duration
	retrySleep  time.Duration
}

// NewService wires the orchestrator. Start must be called before Enqueue.
func NewService(
	config *common.QueueConfig,
	pool interfaces.BrowserPool,
	profiles interfaces.ProfileService,
	routines map[models.JobKind]interfaces.FetchRoutine,
	resultStore *results.Store,
	stateStore interfaces.StateStore,
	logger arbor.ILogger,
) *Service {
	return &Service{
		config:      config,
		pool:        pool,
		profiles:    profiles,
		routines:    routines,
		results:     resultStore,
		store:       stateStore,
		logger:      logger,
		jobs:        make(map[string]*models.Job),
		queue:       nil,
		byURL:       make(map[string]string),
		busy:        make(map[interfaces.Tab]bool),
		limiters:    make(map[string]*rate.Limiter),
		rotateSleep: 5 * time.Second,
		retrySleep:  3 * time.Second,
	}
}

// Start loads persisted state, recovers interrupted jobs, schedules the
// cleanup sweep, and flips the readiness bit.
func (s *Service) Start(ctx context.Context) error {
	s.runCtx, s.cancel = context.WithCancel(ctx)

	if err := s.recover(s.runCtx); err != nil {
		return fmt.Errorf("state recovery failed: %w", err)
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.config.CleanupSchedule, s.sweep); err != nil {
		return fmt.Errorf("failed to schedule cleanup sweep: %w", err)
	}
	s.cron.Start()

	s.ready.Store(true)
	s.kickDispatcher()

	s.logger.Info().
		Int("recovered_jobs", s.jobCount()).
		Msg("Orchestrator started")
	return nil
}

// Ready reports whether the orchestrator accepts work. API callers get a
// transient unavailable response until this flips.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// Enqueue normalizes the URL, returns the live job for it if one exists,
// or creates, persists, and queues a new one. An ephemeral proxy bypasses
// the queue entirely: the job runs immediately on a dedicated browser.
func (s *Service) Enqueue(rawURL string, kind models.JobKind, ephemeralProxy string) (*models.Job, error) {
	if !models.ValidJobKind(kind) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobKind, kind)
	}
	url := common.NormalizeURL(rawURL)
	if url == "" {
		return nil, fmt.Errorf("empty url")
	}

	s.mu.Lock()
	if id, ok := s.byURL[url]; ok {
		if job := s.jobs[id]; job != nil && !job.Status.IsTerminal() {
			snapshot := job.Clone()
			s.mu.Unlock()
			return snapshot, nil
		}
		delete(s.byURL, url)
	}

	job := &models.Job{
		ID:             common.NewJobID(),
		URL:            url,
		Kind:           kind,
		Status:         models.JobStatusPending,
		CreatedAt:      time.Now(),
		EphemeralProxy: ephemeralProxy,
	}
	s.jobs[job.ID] = job
	s.byURL[url] = job.ID
	if ephemeralProxy == "" {
		s.queue = append(s.queue, job.ID)
	}
	snapshot := job.Clone()
	s.mu.Unlock()

	s.persistState()

	if ephemeralProxy != "" {
		common.SafeGo(s.logger, "ephemeral-"+job.ID, func() {
			s.runEphemeral(job.ID, ephemeralProxy)
		})
	} else {
		s.kickDispatcher()
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("url", url).
		Str("kind", string(kind)).
		Bool("ephemeral", ephemeralProxy != "").
		Msg("Job enqueued")
	return snapshot, nil
}

// GetJob returns a snapshot of the job. When the id is not in memory the
// persistent store is consulted, so pollers still see jobs written by a
// previous incarnation.
func (s *Service) GetJob(id string) (*models.Job, bool) {
	s.mu.Lock()
	if job, ok := s.jobs[id]; ok {
		snapshot := job.Clone()
		s.mu.Unlock()
		return snapshot, true
	}
	s.mu.Unlock()

	loadCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	jobs, _, err := s.store.Load(loadCtx)
	if err != nil {
		return nil, false
	}
	job, ok := jobs[id]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// GetJobByURL returns the most recent job for the normalized URL.
func (s *Service) GetJobByURL(rawURL string) (*models.Job, bool) {
	url := common.NormalizeURL(rawURL)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byURL[url]; ok {
		if job := s.jobs[id]; job != nil {
			return job.Clone(), true
		}
	}

	var newest *models.Job
	for _, job := range s.jobs {
		if job.URL != url {
			continue
		}
		if newest == nil || job.CreatedAt.After(newest.CreatedAt) {
			newest = job
		}
	}
	if newest == nil {
		return nil, false
	}
	return newest.Clone(), true
}

// QueueLen returns the number of queued job ids.
func (s *Service) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Service) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Shutdown stops accepting work, halts the sweep, and flushes state.
func (s *Service) Shutdown() error {
	s.ready.Store(false)
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.persistState()
	return s.store.Close()
}

// persistState flushes the full jobs map and queue. Best-effort: a failed
// write is logged, not propagated, because the next flush supersedes it.
func (s *Service) persistState() {
	s.mu.Lock()
	jobs := make(map[string]*models.Job, len(s.jobs))
	for id, job := range s.jobs {
		jobs[id] = job.Clone()
	}
	queue := append([]string(nil), s.queue...)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SaveState(ctx, jobs, queue); err != nil {
		s.logger.Warn().Err(err).Msg("State persistence failed")
	}
}

// persistJob flushes a single job record.
func (s *Service) persistJob(job *models.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SaveJob(ctx, job); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Job persistence failed")
	}
}
