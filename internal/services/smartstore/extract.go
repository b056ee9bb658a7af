package smartstore

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/oyi77/naver-smartstore-sub000/internal/models"
)

// preloadedStateExpr pulls the embedded state object out of the page. The
// CDP evaluate serializes it by value, so the routine receives the raw JSON.
const preloadedStateExpr = `window.__PRELOADED_STATE__ || null`

// channelIDPaths are the known locations of the channel id inside the
// embedded state; the layout has shifted between origin releases.
var channelIDPaths = []string{
	"product.A.channel.channelNo",
	"product.A.channel.channelId",
	"smartStoreV2.channel.channelNo",
	"smartStoreV2.channel.channelId",
	"channel.channelNo",
	"channel.channelId",
}

// productListPaths locate the store page's product widget data.
var productListPaths = []string{
	"widgetContents.wholeProductWidget.A.data",
	"widgetContents.bestProductWidget.A.data",
	"products.list",
}

// preloadedState is what one store-page visit teaches us.
type preloadedState struct {
	ChannelID string
	Products  map[string]json.RawMessage // productId -> partial payload
	Order     []string                   // product ids in page order
}

// parsePreloadedState extracts the channel id and the productId->payload map
// from the raw embedded state. A missing channel id is the
// CHANNEL_ID_NOT_FOUND condition the classifier treats as proxy-or-network.
func parsePreloadedState(raw []byte) (*preloadedState, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%s: embedded state absent", models.ErrMarkerChannelIDNotFound)
	}

	doc := gjson.ParseBytes(raw)

	state := &preloadedState{Products: make(map[string]json.RawMessage)}
	for _, path := range channelIDPaths {
		if v := doc.Get(path); v.Exists() {
			state.ChannelID = v.String()
			break
		}
	}
	if state.ChannelID == "" {
		return nil, fmt.Errorf("%s: channel id missing from embedded state", models.ErrMarkerChannelIDNotFound)
	}

	for _, path := range productListPaths {
		list := doc.Get(path)
		if !list.IsArray() {
			continue
		}
		list.ForEach(func(_, item gjson.Result) bool {
			id := item.Get("id").String()
			if id == "" {
				id = item.Get("productNo").String()
			}
			if id != "" {
				if _, seen := state.Products[id]; !seen {
					state.Order = append(state.Order, id)
				}
				state.Products[id] = json.RawMessage(item.Raw)
			}
			return true
		})
	}

	return state, nil
}
