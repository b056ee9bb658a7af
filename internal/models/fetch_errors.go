package models

// Error markers recognized by the orchestrator's classifier. Fetch routines
// surface failures as error strings containing one of these markers; the
// classifier matches on substrings so wrapped errors stay classifiable.
const (
	// Critical browser conditions: the tab or browser is gone
	ErrMarkerTargetClosed     = "target closed"
	ErrMarkerSessionClosed    = "session closed"
	ErrMarkerDetachedFrame    = "detached frame"
	ErrMarkerContextDestroyed = "execution context destroyed"

	// Proxy / network conditions
	ErrMarkerHTTP429           = "HTTP_429"
	ErrMarkerHTTP403           = "HTTP_403"
	ErrMarkerNetwork           = "NETWORK"
	ErrMarkerTimeout           = "TIMEOUT"
	ErrMarkerChannelIDNotFound = "CHANNEL_ID_NOT_FOUND"
	ErrMarkerProxyIssue        = "PROXY_ISSUE"
	ErrMarkerConnRefused       = "connection refused"
	ErrMarkerConnReset         = "connection reset"

	// Terminal: origin returned an empty response for the resource
	ErrMarkerNoContent = "204_NO_CONTENT"

	// The origin rejected the presented identity
	ErrMarkerUnsupportedBrowser = "UNSUPPORTED_BROWSER"
)
