package interfaces

import (
	"context"

	"github.com/oyi77/naver-smartstore-sub000/internal/models"
)

// StateStore persists orchestrator state: a hash of jobs keyed by job id plus
// the ordered queue of job ids. Writes are best-effort; the orchestrator
// tolerates lost updates via periodic full-state flushes and reconstruction
// on load.
type StateStore interface {
	// SaveJob upserts a single job record
	SaveJob(ctx context.Context, job *models.Job) error

	// SaveState atomically writes the full jobs map and queue order
	SaveState(ctx context.Context, jobs map[string]*models.Job, queue []string) error

	// Load returns all persisted jobs and the queue order. Malformed entries
	// are skipped, not fatal.
	Load(ctx context.Context) (map[string]*models.Job, []string, error)

	// DeleteJobs removes job records by id
	DeleteJobs(ctx context.Context, ids []string) error

	// Close releases the underlying connection
	Close() error
}
