package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	cdruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/oyi77/naver-smartstore-sub000/internal/interfaces"
	"github.com/oyi77/naver-smartstore-sub000/internal/models"
)

// identityApplier is implemented by tabs that can swap their identity
// in place. The pool uses it for rotation without a restart.
type identityApplier interface {
	ApplyIdentity(ctx context.Context, id models.Identity) error
}

// chromeTab is a live Chrome tab. The embedded context is the chromedp
// target context; every operation derives a timeout context from it.
type chromeTab struct {
	slot     int
	index    int
	tabCtx   context.Context
	cancel   context.CancelFunc
	hasProxy bool

	navigationTimeout time.Duration

	mu       sync.Mutex
	identity models.Identity
}

func (t *chromeTab) Slot() int      { return t.slot }
func (t *chromeTab) Index() int     { return t.index }
func (t *chromeTab) HasProxy() bool { return t.hasProxy }

func (t *chromeTab) Identity() models.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

// Navigate loads a URL and waits for the document to be ready.
func (t *chromeTab) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := t.boundedCtx(ctx)
	defer cancel()

	if err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

// EvaluateJSON evaluates a JavaScript expression in the page, awaiting a
// promise result, and returns the JSON-serialized value.
func (t *chromeTab) EvaluateJSON(ctx context.Context, expr string) ([]byte, error) {
	runCtx, cancel := t.boundedCtx(ctx)
	defer cancel()

	var raw json.RawMessage
	err := chromedp.Run(runCtx,
		chromedp.Evaluate(expr, &raw, func(p *cdruntime.EvaluateParams) *cdruntime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("evaluate failed: %w", err)
	}
	return raw, nil
}

// Blank navigates the tab to about:blank, clearing page state between
// attempts.
func (t *chromeTab) Blank(ctx context.Context) error {
	runCtx, cancel := t.boundedCtx(ctx)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.Navigate("about:blank"))
}

// ApplyIdentity rebinds the tab to a new identity without recreating it.
func (t *chromeTab) ApplyIdentity(ctx context.Context, id models.Identity) error {
	runCtx, cancel := t.boundedCtx(ctx)
	defer cancel()

	if err := chromedp.Run(runCtx, identityActions(id)...); err != nil {
		return fmt.Errorf("identity rebind failed: %w", err)
	}

	t.mu.Lock()
	t.identity = id
	t.mu.Unlock()
	return nil
}

// boundedCtx combines the caller's context with the tab target context and
// the navigation timeout. Cancellation from either side stops the operation.
func (t *chromeTab) boundedCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(t.tabCtx, t.navigationTimeout)
	if ctx == nil {
		return runCtx, cancel
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

var _ interfaces.Tab = (*chromeTab)(nil)
var _ identityApplier = (*chromeTab)(nil)
