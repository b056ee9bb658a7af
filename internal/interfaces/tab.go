package interfaces

import (
	"context"

	"github.com/oyi77/naver-smartstore-sub000/internal/models"
)

// Tab is a single isolated document context inside a pooled browser.
// Fetch routines drive the origin through this interface; the orchestrator
// addresses tabs by (Slot, Index) so references stay valid across restarts.
type Tab interface {
	// Slot is the owning browser's slot id
	Slot() int
	// Index is the tab's position inside its browser
	Index() int
	// HasProxy reports whether the owning browser is bound to a proxy
	HasProxy() bool
	// Identity returns the identity currently applied to the tab
	Identity() models.Identity

	// Navigate drives the tab to a URL and waits for the load event
	Navigate(ctx context.Context, url string) error
	// EvaluateJSON evaluates a JavaScript expression in the tab, awaiting
	// promises, and returns the JSON-encoded result
	EvaluateJSON(ctx context.Context, expression string) ([]byte, error)
	// Blank navigates the tab to about:blank to clear page state
	Blank(ctx context.Context) error
}
