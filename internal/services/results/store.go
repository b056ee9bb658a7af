// Package results holds the in-memory caches that let the gateway answer
// without touching the origin: recently fetched results, store metadata
// (channel id and product inventory), and per-product preload payloads
// harvested from store pages.
package results

import (
	"encoding/json"
	"fmt"

	"github.com/maypok86/otter"
	"github.com/ternarybob/arbor"

	"github.com/oyi77/naver-smartstore-sub000/internal/common"
)

// StoreMeta is what a single store-page fetch teaches us about a store.
type StoreMeta struct {
	ChannelID  string   `json:"channelId"`
	ProductIDs []string `json:"allProductIds"`
}

// Store is the result cache layer. Three bounded TTL caches: final results
// by normalized URL, store metadata by store URL, and preload product
// payloads by store URL + product id.
type Store struct {
	results otter.Cache[string, json.RawMessage]
	stores  otter.Cache[string, StoreMeta]
	preload otter.Cache[string, json.RawMessage]
	logger  arbor.ILogger
}

// NewStore builds the caches with the configured TTLs and a shared entry
// bound.
func NewStore(config *common.CacheConfig, logger arbor.ILogger) (*Store, error) {
	results, err := otter.MustBuilder[string, json.RawMessage](config.MaxEntries).
		Cost(func(_ string, _ json.RawMessage) uint32 { return 1 }).
		WithTTL(config.ResultTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	stores, err := otter.MustBuilder[string, StoreMeta](config.MaxEntries).
		Cost(func(_ string, _ StoreMeta) uint32 { return 1 }).
		WithTTL(config.PreloadStoreTTL).
		Build()
	if err != nil {
		results.Close()
		return nil, fmt.Errorf("failed to create store metadata cache: %w", err)
	}

	preload, err := otter.MustBuilder[string, json.RawMessage](config.MaxEntries).
		Cost(func(_ string, _ json.RawMessage) uint32 { return 1 }).
		WithTTL(config.PreloadProductTTL).
		Build()
	if err != nil {
		results.Close()
		stores.Close()
		return nil, fmt.Errorf("failed to create preload cache: %w", err)
	}

	return &Store{
		results: results,
		stores:  stores,
		preload: preload,
		logger:  logger,
	}, nil
}

// SetResult caches a final result under its normalized URL.
func (s *Store) SetResult(url string, data json.RawMessage) {
	s.results.Set(common.NormalizeURL(url), data)
}

// GetResult returns a cached final result, if still fresh.
func (s *Store) GetResult(url string) (json.RawMessage, bool) {
	return s.results.Get(common.NormalizeURL(url))
}

// SetStoreMeta caches a store's channel id and product inventory.
func (s *Store) SetStoreMeta(storeURL string, meta StoreMeta) {
	s.stores.Set(common.NormalizeURL(storeURL), meta)
}

// GetStoreMeta returns cached store metadata.
func (s *Store) GetStoreMeta(storeURL string) (StoreMeta, bool) {
	return s.stores.Get(common.NormalizeURL(storeURL))
}

// ChannelID returns the cached channel id for a store, or "".
func (s *Store) ChannelID(storeURL string) string {
	meta, ok := s.stores.Get(common.NormalizeURL(storeURL))
	if !ok {
		return ""
	}
	return meta.ChannelID
}

func preloadKey(storeURL, productID string) string {
	return common.NormalizeURL(storeURL) + "|" + productID
}

// SetPreloadProduct caches the preload payload for one product of a store.
func (s *Store) SetPreloadProduct(storeURL, productID string, data json.RawMessage) {
	s.preload.Set(preloadKey(storeURL, productID), data)
}

// GetPreloadProduct returns a product's preload payload, if cached.
func (s *Store) GetPreloadProduct(storeURL, productID string) (json.RawMessage, bool) {
	return s.preload.Get(preloadKey(storeURL, productID))
}

// Stats reports cache sizes for diagnostics.
func (s *Store) Stats() map[string]interface{} {
	return map[string]interface{}{
		"results": s.results.Size(),
		"stores":  s.stores.Size(),
		"preload": s.preload.Size(),
	}
}

// Close releases the underlying caches.
func (s *Store) Close() {
	s.results.Close()
	s.stores.Close()
	s.preload.Close()
}
