package models

import (
	"encoding/json"
	"time"
)

// JobKind identifies the kind of fetch a job performs
type JobKind string

const (
	JobKindProduct  JobKind = "product"
	JobKindStore    JobKind = "store"
	JobKindCategory JobKind = "category"
)

// ValidJobKind reports whether k is a recognized job kind.
func ValidJobKind(k JobKind) bool {
	switch k {
	case JobKindProduct, JobKindStore, JobKindCategory:
		return true
	}
	return false
}

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether the status is completed or failed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobResult wraps an origin payload. Data is opaque JSON; the orchestrator
// only reads identifiers out of it. IsPartial marks preload-derived payloads
// served while the full fetch is still in flight.
type JobResult struct {
	Data      json.RawMessage `json:"data"`
	IsPartial bool            `json:"isPartial,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Job is the unit of work tracked by the orchestrator. URL is always stored
// in normalized form. Jobs are mutated only under the orchestrator lock;
// callers receive snapshots.
type Job struct {
	ID             string     `json:"id"`
	URL            string     `json:"url"`
	Kind           JobKind    `json:"kind"`
	Status         JobStatus  `json:"status"`
	Result         *JobResult `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	EphemeralProxy string     `json:"ephemeralProxy,omitempty"`
}

// Clone returns a deep copy suitable for handing to API callers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Result != nil {
		r := *j.Result
		if j.Result.Data != nil {
			r.Data = append(json.RawMessage(nil), j.Result.Data...)
		}
		c.Result = &r
	}
	return &c
}

// SetPartialResult records a partial payload. A final result is never
// overwritten by a partial.
func (j *Job) SetPartialResult(data json.RawMessage) {
	if j.Result != nil && !j.Result.IsPartial {
		return
	}
	j.Result = &JobResult{
		Data:      data,
		IsPartial: true,
		UpdatedAt: time.Now(),
	}
}

// SetFinalResult records the final payload and supersedes any partial.
func (j *Job) SetFinalResult(data json.RawMessage) {
	j.Result = &JobResult{
		Data:      data,
		UpdatedAt: time.Now(),
	}
}
