package smartstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/oyi77/naver-smartstore-sub000/internal/interfaces"
	"github.com/oyi77/naver-smartstore-sub000/internal/models"
)

// apiCallExpr builds the in-page fetch of the product API. Running it from
// page context keeps the TLS session, cookies, and client hints of the tab,
// which is the whole point of driving a browser.
func apiCallExpr(apiHost, channelID, productID, referrer string) string {
	endpoint := fmt.Sprintf("https://%s/i/v2/channels/%s/products/%s?withWindow=false", apiHost, channelID, productID)
	return fmt.Sprintf(`fetch(%q, {
  headers: { "accept": "application/json" },
  referrer: %q,
  credentials: "include"
}).then(r => r.text().then(body => ({ status: r.status, body: body })))`, endpoint, referrer)
}

// callProductAPI performs the API call on the tab and maps the HTTP outcome
// to the classifier's error vocabulary.
func callProductAPI(ctx context.Context, tab interfaces.Tab, apiHost, channelID, productID, referrer string) (json.RawMessage, error) {
	raw, err := tab.EvaluateJSON(ctx, apiCallExpr(apiHost, channelID, productID, referrer))
	if err != nil {
		return nil, mapEvaluateError(err)
	}

	doc := gjson.ParseBytes(raw)
	status := doc.Get("status").Int()
	body := doc.Get("body").String()

	switch {
	case status == 200 && strings.TrimSpace(body) != "":
		if !gjson.Valid(body) {
			return nil, fmt.Errorf("%s: api returned non-json body", models.ErrMarkerNetwork)
		}
		return json.RawMessage(body), nil
	case status == 204 || (status == 200 && strings.TrimSpace(body) == ""):
		return nil, fmt.Errorf("%s: product has no content", models.ErrMarkerNoContent)
	case status == 429:
		return nil, fmt.Errorf("%s: origin rate limited the call", models.ErrMarkerHTTP429)
	case status == 403:
		return nil, fmt.Errorf("%s: origin refused the call", models.ErrMarkerHTTP403)
	case status >= 500:
		return nil, fmt.Errorf("%s: origin returned status %d", models.ErrMarkerNetwork, status)
	case status == 0:
		return nil, fmt.Errorf("%s: api call produced no response", models.ErrMarkerNetwork)
	default:
		return nil, fmt.Errorf("api call returned unexpected status %d", status)
	}
}

// mapEvaluateError translates browser IPC failures into classifier markers.
func mapEvaluateError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "timeout"):
		return fmt.Errorf("%s: %w", models.ErrMarkerTimeout, err)
	case strings.Contains(msg, models.ErrMarkerTargetClosed),
		strings.Contains(msg, models.ErrMarkerSessionClosed),
		strings.Contains(msg, models.ErrMarkerDetachedFrame),
		strings.Contains(msg, models.ErrMarkerContextDestroyed):
		return err
	default:
		return fmt.Errorf("%s: %w", models.ErrMarkerNetwork, err)
	}
}
