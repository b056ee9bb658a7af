package smartstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/oyi77/naver-smartstore-sub000/internal/common"
	"github.com/oyi77/naver-smartstore-sub000/internal/interfaces"
	"github.com/oyi77/naver-smartstore-sub000/internal/models"
	"github.com/oyi77/naver-smartstore-sub000/internal/services/results"
)

// unsupportedBrowserExpr detects the origin's browser-rejection page.
const unsupportedBrowserExpr = `(() => {
  const text = (document.body && document.body.innerText) || "";
  return text.includes("지원하지 않는 브라우저") || !!document.querySelector(".unsupported_browser");
})()`

// ProductRoutine fetches one product. When the store's channel id and the
// product's preload payload are already cached, it emits the preload as an
// immediate partial and goes straight to the API; otherwise it bootstraps
// through the store page first.
type ProductRoutine struct {
	origin  *common.OriginConfig
	results *results.Store
	logger  arbor.ILogger
}

func NewProductRoutine(origin *common.OriginConfig, store *results.Store, logger arbor.ILogger) *ProductRoutine {
	return &ProductRoutine{origin: origin, results: store, logger: logger}
}

func (r *ProductRoutine) Fetch(ctx context.Context, tab interfaces.Tab, url string, onProgress interfaces.ProgressFunc) (json.RawMessage, error) {
	storeURL, productID, err := splitTarget(url)
	if err != nil {
		return nil, err
	}
	if productID == "" {
		return nil, fmt.Errorf("product url %q has no product id", url)
	}

	channelID := r.results.ChannelID(storeURL)
	preload, hasPreload := r.results.GetPreloadProduct(storeURL, productID)

	if channelID != "" && hasPreload {
		if onProgress != nil {
			onProgress(preload)
		}

		data, err := callProductAPI(ctx, tab, r.origin.APIHost, channelID, productID, url)
		if err == nil {
			return data, nil
		}
		if !retryableViaBootstrap(err) {
			return nil, err
		}
		r.logger.Debug().
			Str("product", productID).
			Err(err).
			Msg("Fast-path API call failed, bootstrapping via store page")
	}

	return r.bootstrap(ctx, tab, storeURL, productID, url, onProgress)
}

// bootstrap navigates the store page, harvests the embedded state, caches it
// for later fast paths, and then makes the API call with the store page as
// referrer.
func (r *ProductRoutine) bootstrap(ctx context.Context, tab interfaces.Tab, storeURL, productID, targetURL string, onProgress interfaces.ProgressFunc) (json.RawMessage, error) {
	if err := tab.Navigate(ctx, storeURL); err != nil {
		return nil, mapEvaluateError(err)
	}

	raw, err := tab.EvaluateJSON(ctx, preloadedStateExpr)
	if err != nil {
		return nil, mapEvaluateError(err)
	}

	state, err := parsePreloadedState(raw)
	if err != nil {
		if unsupported, checkErr := r.detectUnsupported(ctx, tab); checkErr == nil && unsupported {
			return nil, fmt.Errorf("%s: origin rejected the presented identity", models.ErrMarkerUnsupportedBrowser)
		}
		return nil, err
	}

	r.cacheState(storeURL, state)

	if preload, ok := state.Products[productID]; ok && onProgress != nil {
		onProgress(preload)
	}

	return callProductAPI(ctx, tab, r.origin.APIHost, state.ChannelID, productID, storeURL)
}

func (r *ProductRoutine) detectUnsupported(ctx context.Context, tab interfaces.Tab) (bool, error) {
	raw, err := tab.EvaluateJSON(ctx, unsupportedBrowserExpr)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(raw)) == "true", nil
}

func (r *ProductRoutine) cacheState(storeURL string, state *preloadedState) {
	r.results.SetStoreMeta(storeURL, results.StoreMeta{
		ChannelID:  state.ChannelID,
		ProductIDs: state.Order,
	})
	for id, payload := range state.Products {
		r.results.SetPreloadProduct(storeURL, id, payload)
	}
}

// retryableViaBootstrap reports whether a fast-path API failure is worth a
// bootstrap attempt on the same tab. Hard browser or identity failures go
// back to the orchestrator instead.
func retryableViaBootstrap(err error) bool {
	msg := err.Error()
	for _, marker := range []string{
		models.ErrMarkerTargetClosed,
		models.ErrMarkerSessionClosed,
		models.ErrMarkerDetachedFrame,
		models.ErrMarkerContextDestroyed,
		models.ErrMarkerNoContent,
		models.ErrMarkerUnsupportedBrowser,
	} {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	return true
}

var _ interfaces.FetchRoutine = (*ProductRoutine)(nil)
