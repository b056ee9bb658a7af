package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/oyi77/naver-smartstore-sub000/internal/common"
	"github.com/oyi77/naver-smartstore-sub000/internal/interfaces"
	"github.com/oyi77/naver-smartstore-sub000/internal/models"
)

// runAttempts drives one worker through the bounded retry loop for a job.
// Returns nil when the job reached a terminal state through this worker,
// errAbandoned when the job was requeued for remediation, errCancelled when
// the sibling won, or the last error when the retry budget ran out.
func (s *Service) runAttempts(ctx context.Context, jobID string, tab interfaces.Tab) error {
	s.mu.Lock()
	job := s.jobs[jobID]
	if job == nil {
		s.mu.Unlock()
		return errAbandoned
	}
	url, kind := job.URL, job.Kind
	s.mu.Unlock()

	routine := s.routines[kind]
	if routine == nil {
		s.failJob(jobID, fmt.Errorf("no fetch routine for kind %q", kind))
		return nil
	}

	onProgress := func(partial json.RawMessage) {
		s.recordPartial(jobID, partial)
	}

	var lastErr error
	for attempt := 0; attempt < s.config.RetryAttempts; {
		if ctx.Err() != nil {
			return errCancelled
		}

		data, err := routine.Fetch(ctx, tab, url, onProgress)
		if err == nil {
			if !s.completeJob(jobID, data, tab) {
				return errCancelled
			}
			return nil
		}
		if ctx.Err() != nil {
			return errCancelled
		}

		class := classify(err)
		s.logger.Debug().
			Str("job_id", jobID).
			Str("class", class.String()).
			Int("slot", tab.Slot()).
			Err(err).
			Msg("Fetch attempt failed")

		switch class {
		case classCriticalBrowser:
			s.requeueHead(jobID)
			s.pool.Restart(tab.Slot())
			return errAbandoned

		case classProxyOrNetwork:
			// Restart marks the slot's bound proxy bad on the way down
			s.pool.IncrementFailure(tab.Slot())
			s.requeueHead(jobID)
			s.pool.Restart(tab.Slot())
			return errAbandoned

		case classNoContent:
			s.failJob(jobID, err)
			return nil

		case classUnsupportedBrowser:
			// Identity swap does not consume the retry budget
			if !s.pool.RotateProfile(ctx, tab) {
				s.sleepCtx(ctx, s.rotateSleep)
			}
			_ = tab.Blank(ctx)

		default:
			lastErr = err
			_ = tab.Blank(ctx)
			s.sleepCtx(ctx, s.retrySleep)
			attempt++
		}
	}
	return lastErr
}

// completeJob finalizes a job with its payload. First-writer-wins: returns
// false when another attempt already finished it. The success side effects
// (result cache, identity and proxy whitelisting, store fan-out) run only
// for the winner.
func (s *Service) completeJob(jobID string, data json.RawMessage, tab interfaces.Tab) bool {
	s.mu.Lock()
	job := s.jobs[jobID]
	if job == nil || job.Status.IsTerminal() {
		s.mu.Unlock()
		return false
	}
	job.SetFinalResult(data)
	job.Status = models.JobStatusCompleted
	if s.byURL[job.URL] == jobID {
		delete(s.byURL, job.URL)
	}
	url, kind := job.URL, job.Kind
	snapshot := job.Clone()
	s.mu.Unlock()

	s.results.SetResult(url, data)
	s.profiles.MarkWorking(tab.Identity().UserAgent)
	if tab.HasProxy() {
		s.pool.MarkProxyWorking(tab.Slot())
	}
	s.persistJob(snapshot)

	if kind == models.JobKindStore || kind == models.JobKindCategory {
		s.fanOut(url, data)
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("url", url).
		Msg("Job completed")
	return true
}

// failJob marks a processing job failed with the error string. Guarded: a
// job that was completed or requeued in the meantime is left alone.
func (s *Service) failJob(jobID string, cause error) {
	s.mu.Lock()
	job := s.jobs[jobID]
	if job == nil || job.Status != models.JobStatusProcessing {
		s.mu.Unlock()
		return
	}
	job.Status = models.JobStatusFailed
	job.Error = cause.Error()
	if s.byURL[job.URL] == jobID {
		delete(s.byURL, job.URL)
	}
	snapshot := job.Clone()
	s.mu.Unlock()

	s.persistJob(snapshot)

	s.logger.Warn().
		Str("job_id", jobID).
		Str("error", cause.Error()).
		Msg("Job failed")
}

// recordPartial stores a partial payload on the job so pollers observe it
// before the fetch finishes. Final results are never downgraded.
func (s *Service) recordPartial(jobID string, partial json.RawMessage) {
	s.mu.Lock()
	job := s.jobs[jobID]
	if job == nil || job.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	job.SetPartialResult(partial)
	snapshot := job.Clone()
	s.mu.Unlock()

	s.persistJob(snapshot)
}

// requeueHead demotes the job to pending and reinserts it at the queue
// head, so a recoverable failure retries before other queued work.
func (s *Service) requeueHead(jobID string) {
	s.mu.Lock()
	job := s.jobs[jobID]
	if job == nil || job.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	job.Status = models.JobStatusPending
	queued := false
	for _, id := range s.queue {
		if id == jobID {
			queued = true
			break
		}
	}
	if !queued {
		s.queue = append([]string{jobID}, s.queue...)
	}
	s.mu.Unlock()

	s.persistState()
	s.kickDispatcher()
}

// fanOut schedules product jobs for every id in a store payload, capped and
// throttled per store so one giant inventory cannot flood the queue.
func (s *Service) fanOut(storeURL string, data json.RawMessage) {
	ids := gjson.GetBytes(data, "allProductIds").Array()
	if len(ids) == 0 {
		return
	}
	if len(ids) > s.config.MaxProductFanout {
		s.logger.Debug().
			Str("store", storeURL).
			Int("total", len(ids)).
			Int("cap", s.config.MaxProductFanout).
			Msg("Store fan-out capped")
		ids = ids[:s.config.MaxProductFanout]
	}

	// Category URLs carry a /category/<id> path; product jobs hang off the
	// store root either way.
	base := common.StoreBaseURL(storeURL)

	limiter := s.limiterFor(base)
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}

	common.SafeGo(s.logger, "fanout-"+base, func() {
		for _, id := range ids {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			productURL := base + "/products/" + id.String()
			if _, err := s.Enqueue(productURL, models.JobKindProduct, ""); err != nil {
				s.logger.Warn().Err(err).Str("url", productURL).Msg("Fan-out enqueue failed")
			}
		}
	})
}

func (s *Service) limiterFor(storeURL string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.limiters[storeURL]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.config.FanoutPerSecond), 1)
		s.limiters[storeURL] = limiter
	}
	return limiter
}

// runEphemeral executes a job immediately on a dedicated browser bound to
// the caller's proxy, bypassing the queue. Remediation actions that assume
// a managed slot (restart, requeue) do not apply; failures are terminal
// after the retry budget.
func (s *Service) runEphemeral(jobID, proxyLiteral string) {
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	job := s.jobs[jobID]
	if job == nil {
		s.mu.Unlock()
		return
	}
	job.Status = models.JobStatusProcessing
	url, kind := job.URL, job.Kind
	s.mu.Unlock()

	routine := s.routines[kind]
	if routine == nil {
		s.failJob(jobID, fmt.Errorf("no fetch routine for kind %q", kind))
		return
	}

	tab, cleanup, err := s.pool.CreateEphemeral(ctx, proxyLiteral)
	if err != nil {
		s.failJob(jobID, err)
		return
	}
	defer cleanup()

	onProgress := func(partial json.RawMessage) {
		s.recordPartial(jobID, partial)
	}

	var lastErr error
	for attempt := 0; attempt < s.config.RetryAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		data, err := routine.Fetch(ctx, tab, url, onProgress)
		if err == nil {
			s.completeJob(jobID, data, tab)
			return
		}
		lastErr = err
		if classify(err) == classNoContent {
			break
		}
		_ = tab.Blank(ctx)
		s.sleepCtx(ctx, s.retrySleep)
	}
	s.failJob(jobID, lastErr)
}

func (s *Service) sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
