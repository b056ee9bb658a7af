package interfaces

import (
	"context"
	"encoding/json"
)

// ProgressFunc receives partial payloads emitted by a fetch routine while the
// full fetch is still in flight.
type ProgressFunc func(partial json.RawMessage)

// FetchRoutine is the per-kind site routine invoked by the orchestrator. The
// returned error's text carries one of the models.ErrMarker* markers so the
// orchestrator can classify the failure. Routines must honor ctx cancellation
// between suspension points: a hedged sibling may have already won.
type FetchRoutine interface {
	Fetch(ctx context.Context, tab Tab, url string, onProgress ProgressFunc) (json.RawMessage, error)
}

// FetchRoutineFunc adapts a function to the FetchRoutine interface.
type FetchRoutineFunc func(ctx context.Context, tab Tab, url string, onProgress ProgressFunc) (json.RawMessage, error)

// Fetch implements FetchRoutine.
func (f FetchRoutineFunc) Fetch(ctx context.Context, tab Tab, url string, onProgress ProgressFunc) (json.RawMessage, error) {
	return f(ctx, tab, url, onProgress)
}
