package interfaces

import (
	"context"

	"github.com/oyi77/naver-smartstore-sub000/internal/models"
)

// ProxyService is the proxy inventory: validated proxies handed out per the
// configured rotation policy, kept fresh by a background validation loop.
type ProxyService interface {
	// Acquire returns the best available proxy, or nil when the pool is
	// empty. protocolFilter restricts by protocol when non-empty. sessionID
	// maps to a sticky proxy for the session's lifetime.
	Acquire(protocolFilter, sessionID string) *models.Proxy

	// Release returns a proxy without recording an outcome
	Release(p *models.Proxy)

	// MarkSuccess records a successful use and clears any transient penalty
	MarkSuccess(p *models.Proxy)

	// MarkBad records a failure: always a cool-off penalty, permanent
	// deactivation after three strikes
	MarkBad(p *models.Proxy)

	// MarkWorking adds the proxy to the persistent whitelist
	MarkWorking(p *models.Proxy)

	// AddSource registers a proxy source (URL or local file)
	AddSource(name, location string) error
	// DeleteSource removes a registered source
	DeleteSource(name string) error

	// AddRotatingProvider attaches an on-demand rotating provider
	AddRotatingProvider(name, providerType string, config map[string]string) error
	// RemoveRotatingProvider detaches a rotating provider
	RemoveRotatingProvider(name string) error

	// RunValidationCycle runs one full fetch/validate/replace cycle
	RunValidationCycle(ctx context.Context) error

	// Stats returns pool statistics for diagnostics
	Stats() map[string]interface{}

	// Shutdown stops the validation loop and persists state
	Shutdown() error
}
