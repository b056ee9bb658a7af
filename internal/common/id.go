package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewSessionID generates a session identifier used for sticky proxy sessions
// and gateway-provider rotation usernames.
func NewSessionID() string {
	return uuid.New().String()[:8]
}
