// Package remote defines the contract with the backend API and provides the
// HTTP implementation the sync engine talks through.
package remote

import (
	"context"
	"time"

	"github.com/dkarlsson/habitsync/internal/models"
)

// RecordResult is the per-record outcome of a batch push.
type RecordResult struct {
	ID      models.UUID `json:"id"`
	Applied bool        `json:"applied"`
	Error   string      `json:"error,omitempty"`
}

// BatchResult reports the outcome of a PushBatch call.
type BatchResult struct {
	Results []RecordResult `json:"results"`
	// RetryAfter is set when the server rate-limited the batch.
	RetryAfter time.Duration `json:"-"`
}

// API is the remote backend seen from the sync core. Implementations must
// honor the context deadline; the engine imposes a per-call timeout.
type API interface {
	// PushBatch submits pending mutations. The server deduplicates by
	// mutation id, so re-submitting an already-applied id is a no-op.
	PushBatch(ctx context.Context, records []*models.MutationRecord) (*BatchResult, error)

	// PullChanges fetches remote changes after the given cursor.
	PullChanges(ctx context.Context, sinceCursor int64, limit int) (*models.ChangeFeed, error)
}

// TokenProvider supplies the bearer token for each request.
type TokenProvider func(ctx context.Context) (string, error)
