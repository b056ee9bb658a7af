// Package profiles serves plausible desktop browser identities and remembers
// which ones the origin accepted.
package profiles

import (
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/oyi77/naver-smartstore-sub000/internal/common"
	"github.com/oyi77/naver-smartstore-sub000/internal/interfaces"
	"github.com/oyi77/naver-smartstore-sub000/internal/models"
	"github.com/oyi77/naver-smartstore-sub000/internal/storage/file"
)

// workingSetDocument is the persisted working-set format.
type workingSetDocument struct {
	WorkingUserAgents []string  `json:"workingUserAgents"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

// Service is the identity profile pool. Selection mixes the static
// catalogue, the dynamic generator, and the persisted working set of user
// agents previously observed to succeed.
type Service struct {
	mu          sync.Mutex
	rng         *rand.Rand
	workingSet  map[string]bool // user agent -> accepted by origin
	used        map[string]bool // identity name -> handed out since last reset
	preference  float64         // probability of drawing from the working set
	persistPath string
	logger      arbor.ILogger
}

// NewService creates the profile service and loads the persisted working set.
func NewService(config *common.ProfilesConfig, logger arbor.ILogger) *Service {
	s := &Service{
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		workingSet:  make(map[string]bool),
		used:        make(map[string]bool),
		preference:  config.WorkingSetPreference,
		persistPath: config.WorkingSetFile,
		logger:      logger,
	}
	if s.preference <= 0 || s.preference > 1 {
		s.preference = 0.8
	}

	var doc workingSetDocument
	if err := file.ReadJSON(s.persistPath, &doc); err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", s.persistPath).Msg("Failed to load working profile set")
		}
	} else {
		for _, ua := range doc.WorkingUserAgents {
			s.workingSet[ua] = true
		}
		logger.Info().Int("count", len(s.workingSet)).Msg("Loaded working profile set")
	}

	return s
}

// Random draws an identity. The working set is preferred with the configured
// probability; otherwise the draw alternates between the static catalogue
// and the dynamic generator. A usedProfiles set avoids immediate reuse until
// the pool is exhausted, then resets.
func (s *Service) Random() models.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.workingSet) > 0 && s.rng.Float64() < s.preference {
		if id, ok := s.randomWorkingLocked(); ok {
			s.used[id.Name] = true
			return id
		}
	}

	// Catalogue first; fall through to the generator when every catalogue
	// entry has been handed out since the last reset.
	candidates := make([]models.Identity, 0, len(staticCatalogue))
	for _, id := range staticCatalogue {
		if !s.used[id.Name] {
			candidates = append(candidates, id)
		}
	}

	if len(candidates) == 0 {
		if s.rng.Float64() < 0.5 {
			// Reset the anti-reuse set and start over
			s.used = make(map[string]bool)
			candidates = staticCatalogue
		} else {
			id := generateIdentity(s.rng)
			s.used[id.Name] = true
			return id
		}
	}

	id := candidates[s.rng.Intn(len(candidates))]
	s.used[id.Name] = true
	return id
}

// randomWorkingLocked draws a catalogue or generated identity whose user
// agent is in the working set.
func (s *Service) randomWorkingLocked() (models.Identity, bool) {
	candidates := make([]models.Identity, 0, len(staticCatalogue))
	for _, id := range staticCatalogue {
		if s.workingSet[id.UserAgent] && !s.used[id.Name] {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		// All working identities recently used; allow reuse of working ones
		for _, id := range staticCatalogue {
			if s.workingSet[id.UserAgent] {
				candidates = append(candidates, id)
			}
		}
	}
	if len(candidates) == 0 {
		return models.Identity{}, false
	}
	return candidates[s.rng.Intn(len(candidates))], true
}

// Release returns an identity to the pool so it may be drawn again.
func (s *Service) Release(i models.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.used, i.Name)
}

// MarkWorking records a user agent as accepted by the origin and persists
// the working set.
func (s *Service) MarkWorking(userAgent string) {
	if userAgent == "" {
		return
	}

	s.mu.Lock()
	if s.workingSet[userAgent] {
		s.mu.Unlock()
		return
	}
	s.workingSet[userAgent] = true
	doc := s.snapshotLocked()
	s.mu.Unlock()

	if err := file.WriteJSON(s.persistPath, doc); err != nil {
		s.logger.Warn().Err(err).Str("path", s.persistPath).Msg("Failed to persist working profile set")
	}
}

// IsWorking reports whether a user agent is in the working set.
func (s *Service) IsWorking(userAgent string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workingSet[userAgent]
}

func (s *Service) snapshotLocked() workingSetDocument {
	doc := workingSetDocument{
		WorkingUserAgents: make([]string, 0, len(s.workingSet)),
		LastUpdated:       time.Now(),
	}
	for ua := range s.workingSet {
		doc.WorkingUserAgents = append(doc.WorkingUserAgents, ua)
	}
	return doc
}

var _ interfaces.ProfileService = (*Service)(nil)
