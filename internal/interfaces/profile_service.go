package interfaces

import "github.com/oyi77/naver-smartstore-sub000/internal/models"

// ProfileService serves plausible desktop browser identities and remembers
// which ones the origin accepted.
type ProfileService interface {
	// Random draws an identity, preferring the persisted working set
	Random() models.Identity
	// Release returns an identity to the pool
	Release(i models.Identity)
	// MarkWorking records a user agent as accepted by the origin
	MarkWorking(userAgent string)
	// IsWorking reports whether a user agent is in the working set
	IsWorking(userAgent string) bool
}
