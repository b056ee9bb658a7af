package orchestrator

import (
	"context"
	"sort"

	"github.com/oyi77/naver-smartstore-sub000/internal/models"
)

// recover rebuilds orchestrator state from the persistent store. Jobs that
// were processing when the previous incarnation died are demoted to pending
// and reinserted at the queue head with their relative order preserved, so
// interrupted work resumes first.
func (s *Service) recover(ctx context.Context) error {
	jobs, queue, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	queuedSet := make(map[string]bool, len(queue))
	var interrupted []string // processing ids, queue order first
	var pending []string

	for _, id := range queue {
		job := jobs[id]
		if job == nil || queuedSet[id] {
			continue
		}
		queuedSet[id] = true
		switch job.Status {
		case models.JobStatusProcessing:
			interrupted = append(interrupted, id)
		case models.JobStatusPending:
			pending = append(pending, id)
		}
	}

	// Processing jobs that never made it into the persisted queue order
	var orphaned []string
	for id, job := range jobs {
		if job.Status == models.JobStatusProcessing && !queuedSet[id] {
			orphaned = append(orphaned, id)
		}
	}
	sort.Slice(orphaned, func(i, j int) bool {
		return jobs[orphaned[i]].CreatedAt.Before(jobs[orphaned[j]].CreatedAt)
	})

	s.mu.Lock()
	s.jobs = jobs
	s.queue = append(append(append([]string(nil), interrupted...), orphaned...), pending...)
	for _, id := range s.queue {
		jobs[id].Status = models.JobStatusPending
	}
	s.byURL = make(map[string]string, len(jobs))
	for id, job := range jobs {
		if !job.Status.IsTerminal() {
			s.byURL[job.URL] = id
		}
	}
	recovered := len(interrupted) + len(orphaned)
	s.mu.Unlock()

	if recovered > 0 {
		s.logger.Info().
			Int("interrupted", recovered).
			Int("queued", len(s.queue)).
			Msg("Recovered interrupted jobs at queue head")
	}

	s.persistState()
	return nil
}
