// Package proxy implements the proxy inventory: validated proxies handed out
// per a selectable rotation policy, kept fresh by a perpetual background
// validation loop, with penalty/blacklist bookkeeping and pluggable rotating
// providers.
package proxy

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/oyi77/naver-smartstore-sub000/internal/common"
	"github.com/oyi77/naver-smartstore-sub000/internal/interfaces"
	"github.com/oyi77/naver-smartstore-sub000/internal/models"
	"github.com/oyi77/naver-smartstore-sub000/internal/storage/file"
)

const permanentBadThreshold = 3

// Service is the proxy inventory.
type Service struct {
	config     *common.ProxyConfig
	originHost string
	logger     arbor.ILogger
	httpClient *http.Client

	mu        sync.Mutex
	pool      []*models.Proxy
	byKey     map[string]*models.Proxy
	whitelist map[string]bool
	badSet    map[string]bool
	failures  map[string]int // runtime failure counts by key, survives pool replacement
	lastUsed  map[string]time.Time
	sticky    map[string]string // session id -> proxy key
	providers map[string]RotatingProvider
	rng       *rand.Rand

	cron   *cron.Cron
	cancel context.CancelFunc
}

// NewService creates the proxy inventory and loads persisted state: the
// last validated snapshot, the whitelist, and any env-injected proxies.
func NewService(config *common.ProxyConfig, origin *common.OriginConfig, logger arbor.ILogger) *Service {
	s := &Service{
		config:     config,
		originHost: origin.ReachabilityHost,
		logger:     logger,
		httpClient: defaultHTTPClient(),
		byKey:      make(map[string]*models.Proxy),
		whitelist:  make(map[string]bool),
		badSet:     make(map[string]bool),
		failures:   make(map[string]int),
		lastUsed:   make(map[string]time.Time),
		sticky:     make(map[string]string),
		providers:  make(map[string]RotatingProvider),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	s.loadWhitelist()
	s.loadSnapshot()
	s.ingestEnv()

	return s
}

// Start launches the perpetual validation loop on the configured interval.
func (s *Service) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// First cycle runs immediately so the pool is usable before the first tick
	common.SafeGoWithContext(runCtx, s.logger, "proxy-validation-initial", func() {
		if err := s.RunValidationCycle(runCtx); err != nil {
			s.logger.Warn().Err(err).Msg("Initial proxy validation cycle failed")
		}
	})

	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.config.ValidationInterval)
	if _, err := s.cron.AddFunc(spec, func() {
		if err := s.RunValidationCycle(runCtx); err != nil {
			s.logger.Warn().Err(err).Msg("Proxy validation cycle failed")
		}
	}); err != nil {
		s.logger.Error().Err(err).Str("spec", spec).Msg("Failed to schedule proxy validation")
		return
	}
	s.cron.Start()

	s.logger.Info().
		Dur("interval", s.config.ValidationInterval).
		Msg("Proxy validation loop started")
}

// Acquire returns a proxy per the configured policy, or nil when nothing is
// available. Rotating providers are consulted first; a provider failure
// falls back to the validated pool. A sessionID maps to a sticky proxy for
// the session's lifetime.
func (s *Service) Acquire(protocolFilter, sessionID string) *models.Proxy {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID != "" {
		if key, ok := s.sticky[sessionID]; ok {
			if p, ok := s.byKey[key]; ok && p.IsActive && !p.IsPenalized(time.Now()) {
				s.lastUsed[key] = time.Now()
				return p
			}
			delete(s.sticky, sessionID)
		}
	}

	p := s.acquireFromProvidersLocked()
	if p == nil {
		candidates := s.candidatesLocked(protocolFilter)
		p = s.selectLocked(candidates)
	}
	if p == nil {
		return nil
	}

	s.lastUsed[p.Key()] = time.Now()
	if sessionID != "" {
		s.sticky[sessionID] = p.Key()
		// sticky proxies resolve through byKey on later calls
		if _, ok := s.byKey[p.Key()]; !ok {
			s.byKey[p.Key()] = p
		}
	}
	return p
}

func (s *Service) acquireFromProvidersLocked() *models.Proxy {
	for name, provider := range s.providers {
		p, err := provider.Acquire()
		if err != nil {
			s.logger.Debug().Err(err).Str("provider", name).Msg("Provider acquire failed, falling back to pool")
			continue
		}
		if p != nil {
			return p
		}
	}
	return nil
}

// Release returns a proxy without recording an outcome.
func (s *Service) Release(p *models.Proxy) {
	if p == nil {
		return
	}
	// Selection state is all keyed by host:port; nothing to unwind.
}

// MarkSuccess records a successful use and clears any transient penalty.
func (s *Service) MarkSuccess(p *models.Proxy) {
	if p == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p.SuccessCount++
	p.PenaltyUntil = time.Time{}
	s.failures[p.Key()] = 0
}

// MarkBad records a failure. Every failure applies a transient cool-off;
// crossing the threshold permanently deactivates the proxy, adds it to the
// bad set, and removes it from the whitelist.
func (s *Service) MarkBad(p *models.Proxy) {
	if p == nil {
		return
	}

	s.mu.Lock()
	key := p.Key()
	p.FailCount++
	s.failures[key]++
	strikes := s.failures[key]

	if strikes >= permanentBadThreshold {
		p.IsActive = false
		p.PenaltyUntil = time.Now().Add(s.config.StrikePenaltyDuration)
		s.badSet[key] = true
		removedFromWhitelist := s.whitelist[key]
		delete(s.whitelist, key)
		delete(s.byKey, key)
		s.mu.Unlock()

		if removedFromWhitelist {
			s.persistWhitelist()
		}
		s.logger.Info().
			Str("proxy", key).
			Int("strikes", strikes).
			Msg("Proxy permanently deactivated after repeated failures")
	} else {
		p.PenaltyUntil = time.Now().Add(s.config.PenaltyDuration)
		s.mu.Unlock()

		s.logger.Debug().
			Str("proxy", key).
			Int("strikes", strikes).
			Msg("Proxy penalized")
	}

	if p.Provider != "" {
		s.mu.Lock()
		provider, ok := s.providers[p.Provider]
		s.mu.Unlock()
		if ok {
			provider.MarkBad(p)
		}
	}
}

// MarkWorking adds the proxy to the persistent whitelist, raising its rank
// in subsequent selections.
func (s *Service) MarkWorking(p *models.Proxy) {
	if p == nil {
		return
	}

	s.mu.Lock()
	key := p.Key()
	if s.whitelist[key] {
		s.mu.Unlock()
		return
	}
	s.whitelist[key] = true
	s.sortPoolLocked()
	s.mu.Unlock()

	s.persistWhitelist()
}

// AddRotatingProvider attaches an on-demand provider.
func (s *Service) AddRotatingProvider(name, providerType string, config map[string]string) error {
	provider, err := NewRotatingProvider(name, providerType, s.logger)
	if err != nil {
		return err
	}
	if err := provider.Initialize(config); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.providers[name]; exists {
		s.mu.Unlock()
		provider.Shutdown()
		return fmt.Errorf("rotating provider %q already registered", name)
	}
	s.providers[name] = provider
	s.mu.Unlock()

	s.logger.Info().Str("provider", name).Str("type", providerType).Msg("Rotating provider registered")
	return nil
}

// RemoveRotatingProvider detaches a provider and shuts it down.
func (s *Service) RemoveRotatingProvider(name string) error {
	s.mu.Lock()
	provider, ok := s.providers[name]
	delete(s.providers, name)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("rotating provider %q not found", name)
	}
	provider.Shutdown()
	return nil
}

// RunValidationCycle executes one full cycle: fetch all sources, merge with
// pool entries due for revalidation, validate in bounded batches, replace
// the pool, and persist the snapshot.
func (s *Service) RunValidationCycle(ctx context.Context) error {
	started := time.Now()

	candidates := make(map[string]*models.Proxy)

	for _, src := range s.loadSources() {
		payload, err := s.fetchSource(ctx, src)
		if err != nil {
			s.logger.Warn().Err(err).Str("source", src.Name).Msg("Proxy source fetch failed")
			continue
		}
		proxies, rejected := ParsePayload(payload, src.Name)
		if rejected > 0 {
			s.logger.Debug().Str("source", src.Name).Int("rejected", rejected).Msg("Source contained invalid entries")
		}
		for _, p := range proxies {
			candidates[p.Key()] = p
		}
	}

	for _, p := range ParseEnvList(os.Getenv(EnvProxyList)) {
		candidates[p.Key()] = p
	}

	// Merge pool entries due for revalidation; rotating provider proxies are
	// assumed live and never revalidated.
	revalidateBefore := time.Now().Add(-s.config.RevalidationThreshold)
	s.mu.Lock()
	for _, p := range s.pool {
		if p.IsRotating {
			continue
		}
		if _, already := candidates[p.Key()]; already {
			continue
		}
		if p.LastValidated.Before(revalidateBefore) {
			// Probes write to a private copy; the live entry stays readable
			// by Acquire until the merge below swaps it out under the lock.
			// Counters are zeroed here and re-carried at merge time.
			clone := *p
			clone.SuccessCount = 0
			clone.FailCount = 0
			candidates[p.Key()] = &clone
		}
	}
	badSet := make(map[string]bool, len(s.badSet))
	for k := range s.badSet {
		badSet[k] = true
	}
	s.mu.Unlock()

	toValidate := make([]*models.Proxy, 0, len(candidates))
	for key, p := range candidates {
		if badSet[key] {
			continue
		}
		toValidate = append(toValidate, p)
	}

	s.logger.Info().
		Int("candidates", len(toValidate)).
		Msg("Proxy validation cycle starting")

	passed := s.validateBatch(ctx, toValidate)

	s.mu.Lock()
	// Carry runtime counters across the pool replacement
	for _, p := range passed {
		if old, ok := s.byKey[p.Key()]; ok && old != p {
			p.SuccessCount += old.SuccessCount
			p.FailCount += old.FailCount
		}
	}
	// Keep still-fresh current entries that were not due for revalidation
	freshCutoff := time.Now().Add(-s.config.RevalidationThreshold)
	merged := make(map[string]*models.Proxy, len(passed))
	for _, p := range s.pool {
		if !p.IsRotating && p.IsActive && p.LastValidated.After(freshCutoff) && !badSet[p.Key()] {
			merged[p.Key()] = p
		}
	}
	for _, p := range passed {
		merged[p.Key()] = p
	}

	pool := make([]*models.Proxy, 0, len(merged))
	for _, p := range merged {
		pool = append(pool, p)
	}
	s.pool = pool
	s.rebuildIndexLocked()
	s.sortPoolLocked()
	s.trimLocked()
	size := len(s.pool)
	s.mu.Unlock()

	s.persistSnapshot()

	s.logger.Info().
		Int("validated", len(passed)).
		Int("pool_size", size).
		Dur("duration", time.Since(started)).
		Msg("Proxy validation cycle finished")
	return nil
}

// trimLocked drops the pool below max size, keeping the proxies with the
// highest success/(fail+1) ratio. Callers hold s.mu.
func (s *Service) trimLocked() {
	if s.config.MaxSize <= 0 || len(s.pool) <= s.config.MaxSize {
		return
	}

	pool := append([]*models.Proxy(nil), s.pool...)
	// Partial selection sort is fine at these sizes; keep it simple
	for i := 0; i < s.config.MaxSize; i++ {
		best := i
		for j := i + 1; j < len(pool); j++ {
			if pool[j].SuccessRatio() > pool[best].SuccessRatio() {
				best = j
			}
		}
		pool[i], pool[best] = pool[best], pool[i]
	}
	s.pool = pool[:s.config.MaxSize]
	s.rebuildIndexLocked()
	s.sortPoolLocked()
}

func (s *Service) rebuildIndexLocked() {
	s.byKey = make(map[string]*models.Proxy, len(s.pool))
	for _, p := range s.pool {
		s.byKey[p.Key()] = p
	}
}

// ingestEnv seeds the pool with env-injected proxies so they are available
// before the first validation cycle finishes.
func (s *Service) ingestEnv() {
	proxies := ParseEnvList(os.Getenv(EnvProxyList))
	if len(proxies) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range proxies {
		if _, exists := s.byKey[p.Key()]; exists {
			continue
		}
		p.IsActive = true
		s.pool = append(s.pool, p)
		s.byKey[p.Key()] = p
	}
	s.sortPoolLocked()
	s.logger.Info().Int("count", len(proxies)).Msg("Ingested proxies from environment")
}

// Stats returns pool statistics for diagnostics.
func (s *Service) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	active, penalized, residential := 0, 0, 0
	for _, p := range s.pool {
		if p.IsActive {
			active++
		}
		if p.IsPenalized(now) {
			penalized++
		}
		if p.IPType == models.IPTypeResidential {
			residential++
		}
	}

	providerStats := make(map[string]interface{}, len(s.providers))
	for name, provider := range s.providers {
		providerStats[name] = provider.Stats()
	}

	return map[string]interface{}{
		"pool_size":   len(s.pool),
		"active":      active,
		"penalized":   penalized,
		"residential": residential,
		"whitelisted": len(s.whitelist),
		"bad":         len(s.badSet),
		"strategy":    s.config.RotationStrategy,
		"providers":   providerStats,
	}
}

// Shutdown stops the validation loop, shuts providers down, and persists
// the snapshot and whitelist.
func (s *Service) Shutdown() error {
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	providers := make([]RotatingProvider, 0, len(s.providers))
	for _, p := range s.providers {
		providers = append(providers, p)
	}
	s.providers = make(map[string]RotatingProvider)
	s.mu.Unlock()

	for _, p := range providers {
		p.Shutdown()
	}

	s.persistSnapshot()
	s.persistWhitelist()
	return nil
}

// --- persistence ---

func (s *Service) loadSnapshot() {
	var snapshot []*models.Proxy
	if err := readJSONFile(s.config.SnapshotFile, &snapshot); err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", s.config.SnapshotFile).Msg("Failed to load proxy snapshot")
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range snapshot {
		if s.badSet[p.Key()] {
			continue
		}
		s.pool = append(s.pool, p)
		s.byKey[p.Key()] = p
	}
	s.sortPoolLocked()
	s.logger.Info().Int("count", len(s.pool)).Msg("Loaded proxy snapshot")
}

func (s *Service) persistSnapshot() {
	s.mu.Lock()
	snapshot := make([]*models.Proxy, 0, len(s.pool))
	for _, p := range s.pool {
		if p.IsRotating {
			continue // provider proxies are ephemeral by nature
		}
		snapshot = append(snapshot, p)
	}
	s.mu.Unlock()

	if err := writeJSONFile(s.config.SnapshotFile, snapshot); err != nil {
		s.logger.Warn().Err(err).Str("path", s.config.SnapshotFile).Msg("Failed to persist proxy snapshot")
	}
}

func (s *Service) loadWhitelist() {
	var keys []string
	if err := readJSONFile(s.config.WhitelistFile, &keys); err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", s.config.WhitelistFile).Msg("Failed to load proxy whitelist")
		}
		return
	}
	for _, key := range keys {
		s.whitelist[key] = true
	}
}

func (s *Service) persistWhitelist() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.whitelist))
	for key := range s.whitelist {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	if err := writeJSONFile(s.config.WhitelistFile, keys); err != nil {
		s.logger.Warn().Err(err).Str("path", s.config.WhitelistFile).Msg("Failed to persist proxy whitelist")
	}
}

func readJSONFile(path string, v interface{}) error {
	return file.ReadJSON(path, v)
}

func writeJSONFile(path string, v interface{}) error {
	return file.WriteJSON(path, v)
}

var _ interfaces.ProxyService = (*Service)(nil)
