package proxy

import (
	"sort"
	"time"

	"github.com/oyi77/naver-smartstore-sub000/internal/models"
)

// priorityRank orders proxies for selection. Lower rank is better:
// rotating-provider proxies, then env-injected, then whitelisted, then
// residential, then everything else (which competes on latency).
func (s *Service) priorityRank(p *models.Proxy) int {
	switch {
	case p.IsRotating:
		return 0
	case p.Source == SourceEnv:
		return 1
	case s.whitelist[p.Key()]:
		return 2
	case p.IPType == models.IPTypeResidential:
		return 3
	default:
		return 4
	}
}

// sortPoolLocked keeps the pool ordered by the priority tuple with latency
// as the tiebreaker. Callers hold s.mu.
func (s *Service) sortPoolLocked() {
	sort.SliceStable(s.pool, func(i, j int) bool {
		ri, rj := s.priorityRank(s.pool[i]), s.priorityRank(s.pool[j])
		if ri != rj {
			return ri < rj
		}
		return s.pool[i].Latency < s.pool[j].Latency
	})
}

// candidatesLocked returns selectable proxies: active, not penalized, and
// matching the protocol filter. Callers hold s.mu.
func (s *Service) candidatesLocked(protocolFilter string) []*models.Proxy {
	now := time.Now()
	out := make([]*models.Proxy, 0, len(s.pool))
	for _, p := range s.pool {
		if !p.IsActive || p.IsPenalized(now) {
			continue
		}
		if protocolFilter != "" && p.Protocol != protocolFilter {
			continue
		}
		out = append(out, p)
	}
	return out
}

// selectLocked applies the configured rotation policy to an already
// priority-sorted candidate list. Callers hold s.mu.
func (s *Service) selectLocked(candidates []*models.Proxy) *models.Proxy {
	if len(candidates) == 0 {
		return nil
	}

	switch s.config.RotationStrategy {
	case "round-robin":
		return s.leastRecentlyUsedLocked(candidates)
	case "weighted":
		return s.weightedLocked(candidates)
	case "random":
		return candidates[s.rng.Intn(len(candidates))]
	default:
		// latency-based (the default): take the top 5 by priority, then the
		// least-recently-used within that set so the single fastest proxy
		// does not absorb every request.
		top := candidates
		if len(top) > 5 {
			top = top[:5]
		}
		return s.leastRecentlyUsedLocked(top)
	}
}

// leastRecentlyUsedLocked picks the candidate with the oldest last-use time.
func (s *Service) leastRecentlyUsedLocked(candidates []*models.Proxy) *models.Proxy {
	var best *models.Proxy
	var bestTime time.Time
	for _, p := range candidates {
		used := s.lastUsed[p.Key()]
		if best == nil || used.Before(bestTime) {
			best = p
			bestTime = used
		}
	}
	return best
}

// weightedLocked draws with probability proportional to
// 0.7*successRate + 0.3*(1 - latency/maxLatency).
func (s *Service) weightedLocked(candidates []*models.Proxy) *models.Proxy {
	maxLatency := s.config.MaxAcceptableLatency
	if maxLatency <= 0 {
		maxLatency = 2500 * time.Millisecond
	}

	weights := make([]float64, len(candidates))
	total := 0.0
	for i, p := range candidates {
		latencyScore := 1.0 - float64(p.Latency)/float64(maxLatency)
		if latencyScore < 0 {
			latencyScore = 0
		}
		w := 0.7*p.SuccessRate() + 0.3*latencyScore
		if w <= 0 {
			w = 0.01 // unused proxies still deserve a chance
		}
		weights[i] = w
		total += w
	}

	draw := s.rng.Float64() * total
	for i, w := range weights {
		draw -= w
		if draw <= 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}
