// Package queue provides the durable mutation queue: the ordered record of
// local changes awaiting server acknowledgment, with retry metadata.
package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dkarlsson/habitsync/internal/db"
	"github.com/dkarlsson/habitsync/internal/idkey"
	"github.com/dkarlsson/habitsync/internal/logging"
	"github.com/dkarlsson/habitsync/internal/models"
)

// MutationQueue manages pending mutations backed by SQLite. Overflow policy
// is bounded-by-disk: Enqueue never blocks and never drops silently.
//
// The queue hands out at most one batch at a time; callers must resolve an
// outstanding batch (Acknowledge, Requeue, or Fail) before NextBatch returns
// records again.
type MutationQueue struct {
	repo *db.Repository

	mu        sync.Mutex
	batchOpen bool
}

// New creates a MutationQueue over the repository and rehydrates it:
// mutations left in_flight by a crash return to pending, which is safe
// because their ids are idempotency keys server-side.
func New(repo *db.Repository) (*MutationQueue, error) {
	restored, err := repo.ResetInFlightMutations()
	if err != nil {
		return nil, fmt.Errorf("failed to rehydrate mutation queue: %w", err)
	}
	if restored > 0 {
		logging.Info("Rehydrated in-flight mutations to pending",
			map[string]interface{}{"count": restored})
	}
	return &MutationQueue{repo: repo}, nil
}

// Enqueue appends a pending mutation for the entity with the given id. The
// id doubles as the server-side idempotency key and never changes across
// retries; an empty id mints a fresh time-ordered one (creates). Enqueuing
// again for an id already queued replaces the queued payload in place.
func (q *MutationQueue) Enqueue(id models.UUID, entityKind string, payload json.RawMessage) (*models.MutationRecord, error) {
	if id == "" {
		minted, err := idkey.New()
		if err != nil {
			return nil, err
		}
		id = models.UUID(minted)
	}

	now := time.Now().Unix()
	record := &models.MutationRecord{
		ID:         id,
		EntityKind: entityKind,
		Payload:    payload,
		Status:     models.MutationStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := q.repo.InsertMutation(record); err != nil {
		return nil, fmt.Errorf("failed to enqueue mutation: %w", err)
	}

	logging.Debug("Enqueued mutation",
		map[string]interface{}{"id": record.ID, "entity_kind": entityKind})

	return record, nil
}

// NextBatch returns up to maxSize pending mutations in creation order (FIFO)
// and marks them in_flight. Returns an empty batch while a previous batch is
// unresolved, so two batches are never in flight at once.
func (q *MutationQueue) NextBatch(maxSize int) ([]*models.MutationRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.batchOpen {
		return nil, nil
	}

	records, err := q.repo.ListMutationsByStatus(models.MutationStatusPending, maxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending mutations: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	ids := make([]models.UUID, len(records))
	for i, r := range records {
		ids[i] = r.ID
		r.Status = models.MutationStatusInFlight
	}
	if err := q.repo.SetMutationStatus(ids, models.MutationStatusInFlight); err != nil {
		return nil, fmt.Errorf("failed to mark batch in flight: %w", err)
	}

	q.batchOpen = true
	return records, nil
}

// Acknowledge removes acknowledged mutations from the queue and resolves the
// outstanding batch. A record that coalesced a newer edit while in flight is
// pending again and is left queued: the server acknowledged the old payload,
// not the edit.
func (q *MutationQueue) Acknowledge(ids []models.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.repo.AcknowledgeMutations(ids); err != nil {
		return fmt.Errorf("failed to acknowledge mutations: %w", err)
	}
	q.batchOpen = false
	return nil
}

// Requeue returns in-flight mutations to pending after a retryable failure,
// incrementing their attempt count.
func (q *MutationQueue) Requeue(ids []models.UUID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.repo.RequeueMutations(ids, reason); err != nil {
		return fmt.Errorf("failed to requeue mutations: %w", err)
	}
	q.batchOpen = false

	logging.Debug("Requeued mutations",
		map[string]interface{}{"count": len(ids), "reason": reason})
	return nil
}

// Fail marks mutations failed after a non-retryable classification. Failed
// records stay queued for inspection until ClearFailed removes them.
func (q *MutationQueue) Fail(ids []models.UUID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.repo.FailMutations(ids, reason); err != nil {
		return fmt.Errorf("failed to mark mutations failed: %w", err)
	}
	q.batchOpen = false

	logging.Warn("Marked mutations failed",
		map[string]interface{}{"count": len(ids), "reason": reason})
	return nil
}

// FailOne marks a single mutation failed without resolving the open batch.
// Used to exclude a record that failed identifier validation while the rest
// of its batch proceeds.
func (q *MutationQueue) FailOne(id models.UUID, reason string) error {
	if err := q.repo.FailMutations([]models.UUID{id}, reason); err != nil {
		return fmt.Errorf("failed to mark mutation failed: %w", err)
	}
	logging.Warn("Excluded invalid mutation from batch",
		map[string]interface{}{"id": id, "reason": reason})
	return nil
}

// PendingCount returns the count of pending plus in-flight mutations.
func (q *MutationQueue) PendingCount() (int, error) {
	return q.repo.CountMutations()
}

// Failed returns all failed mutations, oldest first.
func (q *MutationQueue) Failed() ([]*models.MutationRecord, error) {
	return q.repo.ListMutationsByStatus(models.MutationStatusFailed, 0)
}

// ClearFailed drops failed mutations and returns how many were removed.
func (q *MutationQueue) ClearFailed() (int64, error) {
	cleared, err := q.repo.ClearFailedMutations()
	if err != nil {
		return 0, fmt.Errorf("failed to clear failed mutations: %w", err)
	}
	if cleared > 0 {
		logging.Info("Cleared failed mutations",
			map[string]interface{}{"count": cleared})
	}
	return cleared, nil
}

// HasPending reports whether an unsynced mutation exists for the entity id.
func (q *MutationQueue) HasPending(id models.UUID) (bool, error) {
	return q.repo.HasPendingMutation(id)
}
