package orchestrator

import (
	"sort"

	"github.com/oyi77/naver-smartstore-sub000/internal/common"
	"github.com/oyi77/naver-smartstore-sub000/internal/interfaces"
	"github.com/oyi77/naver-smartstore-sub000/internal/models"
)

// kickDispatcher starts the dispatch loop if it is not already running.
// Re-entrant calls are idempotent.
func (s *Service) kickDispatcher() {
	s.mu.Lock()
	if s.dispatching {
		s.mu.Unlock()
		return
	}
	s.dispatching = true
	s.mu.Unlock()

	common.SafeGo(s.logger, "dispatcher", s.dispatchLoop)
}

// dispatchLoop drains the queue: one pass per queued job, assigning each to
// the first free tab with direct browsers tried before proxied ones. It
// exits when the queue is empty or no tab is free; completion of any
// attempt kicks it again.
func (s *Service) dispatchLoop() {
	defer func() {
		s.mu.Lock()
		s.dispatching = false
		s.mu.Unlock()
	}()

	for {
		if s.runCtx != nil && s.runCtx.Err() != nil {
			return
		}

		s.mu.Lock()
		queueLen := len(s.queue)
		s.mu.Unlock()
		if queueLen == 0 {
			return
		}

		s.pool.ScaleUp(queueLen)

		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		jobID := s.queue[0]
		s.queue = s.queue[1:]
		job := s.jobs[jobID]
		if job == nil || job.Status != models.JobStatusPending {
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		tab := s.claimTab(jobID)
		if tab == nil {
			// No free tab: push the id back and wait for a release
			s.mu.Lock()
			s.queue = append([]string{jobID}, s.queue...)
			s.mu.Unlock()
			return
		}

		common.SafeGo(s.logger, "hedged-"+jobID, func() {
			s.hedgedExecute(jobID, tab)
			s.kickDispatcher()
		})
	}
}

// claimTab picks the first free tab (direct-first), marks it busy, and
// marks the job processing. Returns nil when every tab is busy.
func (s *Service) claimTab(jobID string) interfaces.Tab {
	tabs := s.pool.Tabs()

	s.mu.Lock()
	defer s.mu.Unlock()

	job := s.jobs[jobID]
	if job == nil || job.Status != models.JobStatusPending {
		return nil
	}

	free := make([]interfaces.Tab, 0, len(tabs))
	for _, tab := range tabs {
		if !s.busy[tab] {
			free = append(free, tab)
		}
	}
	if len(free) == 0 {
		return nil
	}
	// Direct browsers first; slot order breaks ties
	sort.SliceStable(free, func(i, j int) bool {
		if free[i].HasProxy() != free[j].HasProxy() {
			return !free[i].HasProxy()
		}
		return free[i].Slot() < free[j].Slot()
	})

	tab := free[0]
	s.busy[tab] = true
	job.Status = models.JobStatusProcessing
	return tab
}

// pickSecondTab claims a free tab for the hedge attempt, preferring one on
// a different browser than the first worker.
func (s *Service) pickSecondTab(first interfaces.Tab) interfaces.Tab {
	tabs := s.pool.Tabs()

	s.mu.Lock()
	defer s.mu.Unlock()

	var sameBrowser interfaces.Tab
	for _, tab := range tabs {
		if s.busy[tab] || tab == first {
			continue
		}
		if tab.Slot() != first.Slot() {
			s.busy[tab] = true
			return tab
		}
		if sameBrowser == nil {
			sameBrowser = tab
		}
	}
	if sameBrowser != nil {
		s.busy[sameBrowser] = true
		return sameBrowser
	}
	return nil
}

// releaseTab returns a tab to the free set.
func (s *Service) releaseTab(tab interfaces.Tab) {
	if tab == nil {
		return
	}
	s.mu.Lock()
	delete(s.busy, tab)
	s.mu.Unlock()
}
