package orchestrator

import (
	"context"
	"time"
)

// sweep removes completed and failed jobs older than the retention window.
// Runs on the cleanup cron schedule (hourly by default).
func (s *Service) sweep() {
	cutoff := time.Now().Add(-s.config.RetentionWindow)

	s.mu.Lock()
	var removed []string
	for id, job := range s.jobs {
		if job.Status.IsTerminal() && job.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			if s.byURL[job.URL] == id {
				delete(s.byURL, job.URL)
			}
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	if len(removed) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.DeleteJobs(ctx, removed); err != nil {
		s.logger.Warn().Err(err).Int("count", len(removed)).Msg("Job cleanup persistence failed")
	}
	s.persistState()

	s.logger.Info().
		Int("removed", len(removed)).
		Dur("retention", s.config.RetentionWindow).
		Msg("Swept finished jobs")
}
