package interfaces

import "context"

// BrowserPool provides warm, identity-configured tabs to the orchestrator.
type BrowserPool interface {
	// Tabs returns all tabs of active browsers
	Tabs() []Tab

	// ScaleUp launches an additional browser when queue pressure warrants it.
	// Launches are fire-and-forget; pending launches count as occupancy.
	ScaleUp(queueLen int)

	// Restart tears down the browser at the given slot (marking its bound
	// proxy bad and releasing its identity) and relaunches it after a cool-off
	Restart(slot int)

	// RotateProfile swaps the tab's identity in place. Returns false when the
	// profile pool has no usable draw; callers fall back to Restart.
	RotateProfile(ctx context.Context, tab Tab) bool

	// IncrementFailure bumps the consecutive-failure metric for a slot
	IncrementFailure(slot int)

	// MarkProxyWorking records a success against the slot's bound proxy,
	// whitelisting it and clearing its penalty. No-op for direct slots.
	MarkProxyWorking(slot int)

	// CreateEphemeral launches an unmanaged single-tab browser bound to the
	// given proxy literal. The returned func shuts the browser down.
	CreateEphemeral(ctx context.Context, proxyLiteral string) (Tab, func(), error)

	// Shutdown closes every managed browser
	Shutdown(ctx context.Context) error
}
