package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/oyi77/naver-smartstore-sub000/internal/common"
	"github.com/oyi77/naver-smartstore-sub000/internal/interfaces"
	"github.com/oyi77/naver-smartstore-sub000/internal/models"
)

// errAbandoned means the attempt requeued its job and triggered remediation;
// the job is no longer this execution's responsibility.
var errAbandoned = errors.New("attempt abandoned")

// errCancelled means the hedged sibling won; the attempt bails silently.
var errCancelled = errors.New("attempt cancelled")

// hedgedExecute runs a job on firstTab and, if it is still processing when
// the hedge timer fires, races a second attempt on another tab (preferring
// a different browser). Both attempts share one cancellation; the first to
// finish the job wins and the loser discards its outcome. When every
// started attempt fails, the last real error fails the job.
func (s *Service) hedgedExecute(jobID string, firstTab interfaces.Tab) {
	parent := s.runCtx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	type outcome struct {
		tab interfaces.Tab
		err error
	}
	outcomes := make(chan outcome, 2)

	started := 1
	common.SafeGo(s.logger, "attempt-a-"+jobID, func() {
		outcomes <- outcome{firstTab, s.runAttempts(ctx, jobID, firstTab)}
	})

	hedge := time.NewTimer(s.config.HedgeDelay)
	defer hedge.Stop()

	var lastErr error
	finished := false

	for received := 0; received < started; {
		select {
		case out := <-outcomes:
			received++
			s.releaseTab(out.tab)
			switch {
			case out.err == nil:
				finished = true
				cancel()
			case errors.Is(out.err, errAbandoned), errors.Is(out.err, errCancelled):
				// Requeued or outraced; nothing to record
			default:
				lastErr = out.err
			}
		case <-hedge.C:
			if started > 1 || s.jobStatus(jobID) != models.JobStatusProcessing {
				continue
			}
			second := s.pickSecondTab(firstTab)
			if second == nil {
				continue
			}
			started++
			s.logger.Debug().
				Str("job_id", jobID).
				Int("first_slot", firstTab.Slot()).
				Int("second_slot", second.Slot()).
				Msg("Hedging slow attempt on second tab")
			common.SafeGo(s.logger, "attempt-b-"+jobID, func() {
				outcomes <- outcome{second, s.runAttempts(ctx, jobID, second)}
			})
		}
	}

	if !finished && lastErr != nil {
		s.failJob(jobID, lastErr)
	}
	s.persistState()
}

func (s *Service) jobStatus(jobID string) models.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job := s.jobs[jobID]; job != nil {
		return job.Status
	}
	return ""
}
