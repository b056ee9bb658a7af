package smartstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/oyi77/naver-smartstore-sub000/internal/common"
	"github.com/oyi77/naver-smartstore-sub000/internal/interfaces"
	"github.com/oyi77/naver-smartstore-sub000/internal/models"
	"github.com/oyi77/naver-smartstore-sub000/internal/services/results"
)

// storeResult is the final payload of a store fetch.
type storeResult struct {
	ChannelID     string                     `json:"channelId"`
	AllProductIDs []string                   `json:"allProductIds"`
	ProductsMap   map[string]json.RawMessage `json:"productsMap"`
}

// StoreRoutine fetches a store page: navigate, extract the embedded state,
// cache channel id and preload map, and return the store inventory.
type StoreRoutine struct {
	origin  *common.OriginConfig
	results *results.Store
	logger  arbor.ILogger
}

func NewStoreRoutine(origin *common.OriginConfig, store *results.Store, logger arbor.ILogger) *StoreRoutine {
	return &StoreRoutine{origin: origin, results: store, logger: logger}
}

func (r *StoreRoutine) Fetch(ctx context.Context, tab interfaces.Tab, url string, onProgress interfaces.ProgressFunc) (json.RawMessage, error) {
	storeURL, _, err := splitTarget(url)
	if err != nil {
		return nil, err
	}

	if err := tab.Navigate(ctx, url); err != nil {
		return nil, mapEvaluateError(err)
	}

	raw, err := tab.EvaluateJSON(ctx, preloadedStateExpr)
	if err != nil {
		return nil, mapEvaluateError(err)
	}

	state, err := parsePreloadedState(raw)
	if err != nil {
		return nil, err
	}

	r.results.SetStoreMeta(storeURL, results.StoreMeta{
		ChannelID:  state.ChannelID,
		ProductIDs: state.Order,
	})
	for id, payload := range state.Products {
		r.results.SetPreloadProduct(storeURL, id, payload)
	}

	r.logger.Debug().
		Str("store", storeURL).
		Str("channel_id", state.ChannelID).
		Int("products", len(state.Products)).
		Msg("Store inventory extracted")

	data, err := json.Marshal(storeResult{
		ChannelID:     state.ChannelID,
		AllProductIDs: state.Order,
		ProductsMap:   state.Products,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode store result: %w", err)
	}
	return data, nil
}

// Routines maps each job kind to its fetch routine.
func Routines(origin *common.OriginConfig, store *results.Store, logger arbor.ILogger) map[models.JobKind]interfaces.FetchRoutine {
	product := NewProductRoutine(origin, store, logger)
	storeRoutine := NewStoreRoutine(origin, store, logger)
	return map[models.JobKind]interfaces.FetchRoutine{
		models.JobKindProduct:  product,
		models.JobKindStore:    storeRoutine,
		models.JobKindCategory: storeRoutine, // category pages embed state the same way
	}
}

var _ interfaces.FetchRoutine = (*StoreRoutine)(nil)
