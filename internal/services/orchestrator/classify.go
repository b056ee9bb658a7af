package orchestrator

import (
	"strings"

	"github.com/oyi77/naver-smartstore-sub000/internal/models"
)

// errorClass is the remediation bucket a failed attempt falls into.
type errorClass int

const (
	// classOther: clear the tab, short sleep, consume a retry attempt
	classOther errorClass = iota
	// classCriticalBrowser: the tab or browser is gone; restart the slot
	classCriticalBrowser
	// classProxyOrNetwork: blame the exit path; penalize proxy, restart slot
	classProxyOrNetwork
	// classNoContent: the origin says the resource is empty; terminal
	classNoContent
	// classUnsupportedBrowser: the origin rejected the identity; rotate it
	classUnsupportedBrowser
)

func (c errorClass) String() string {
	switch c {
	case classCriticalBrowser:
		return "critical-browser"
	case classProxyOrNetwork:
		return "proxy-or-network"
	case classNoContent:
		return "no-content"
	case classUnsupportedBrowser:
		return "unsupported-browser"
	default:
		return "other"
	}
}

var criticalBrowserMarkers = []string{
	models.ErrMarkerTargetClosed,
	models.ErrMarkerSessionClosed,
	models.ErrMarkerDetachedFrame,
	models.ErrMarkerContextDestroyed,
}

var proxyOrNetworkMarkers = []string{
	models.ErrMarkerHTTP429,
	models.ErrMarkerHTTP403,
	models.ErrMarkerNetwork,
	models.ErrMarkerTimeout,
	models.ErrMarkerChannelIDNotFound,
	models.ErrMarkerProxyIssue,
	models.ErrMarkerConnRefused,
	models.ErrMarkerConnReset,
}

// classify maps a routine error to its remediation class by substring so
// wrapped errors stay classifiable. Order matters: a dying browser often
// also reports network noise, and the browser condition must win.
func classify(err error) errorClass {
	if err == nil {
		return classOther
	}
	msg := err.Error()

	for _, marker := range criticalBrowserMarkers {
		if strings.Contains(msg, marker) {
			return classCriticalBrowser
		}
	}
	if strings.Contains(msg, models.ErrMarkerNoContent) {
		return classNoContent
	}
	if strings.Contains(msg, models.ErrMarkerUnsupportedBrowser) {
		return classUnsupportedBrowser
	}
	for _, marker := range proxyOrNetworkMarkers {
		if strings.Contains(msg, marker) {
			return classProxyOrNetwork
		}
	}
	return classOther
}
