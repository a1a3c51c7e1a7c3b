// Package reconcile applies pulled remote changes back into the local store,
// resolving duplicates by identifier.
//
// The merge rule is deterministic and silent: a record with an unsynced
// local mutation pending keeps its local value (the mutation will push and
// reconcile itself); otherwise the remote version is authoritative. Merging
// is idempotent, so a crash-resumed pull can safely re-apply a change set.
package reconcile

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dkarlsson/habitsync/internal/db"
	"github.com/dkarlsson/habitsync/internal/idkey"
	"github.com/dkarlsson/habitsync/internal/logging"
	"github.com/dkarlsson/habitsync/internal/models"
)

// PendingChecker reports whether an unsynced local mutation exists for an id.
type PendingChecker interface {
	HasPending(id models.UUID) (bool, error)
}

// Reconciler merges remote change entries into the local store.
type Reconciler struct {
	repo    *db.Repository
	pending PendingChecker

	// applied memoizes recently merged (id, cursor) pairs so a re-pulled
	// batch skips store writes it has already made. Correctness never
	// depends on this cache; the upsert itself is idempotent.
	applied *gocache.Cache
}

// New creates a Reconciler.
func New(repo *db.Repository, pending PendingChecker) *Reconciler {
	return &Reconciler{
		repo:    repo,
		pending: pending,
		applied: gocache.New(15*time.Minute, 30*time.Minute),
	}
}

// Merge applies remote changes in the order received and returns how many
// were applied to the store. Changes with malformed or suspicious
// identifiers are skipped, never fatal: one bad entry must not block a pull.
func (r *Reconciler) Merge(changes []models.ChangeEntry) (int, error) {
	applied := 0

	for _, change := range changes {
		ok, err := r.mergeOne(change)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
	}

	return applied, nil
}

func (r *Reconciler) mergeOne(change models.ChangeEntry) (bool, error) {
	if err := idkey.Validate(change.EntityID.String()); err != nil {
		logging.Warn("Skipping remote change with invalid identifier",
			map[string]interface{}{
				"entity_id": change.EntityID,
				"cursor":    change.Cursor,
				"reason":    err.Error(),
			})
		return false, nil
	}

	memoKey := fmt.Sprintf("%s@%d", change.EntityID, change.Cursor)
	if _, seen := r.applied.Get(memoKey); seen {
		return false, nil
	}

	// Local pending wins: the queued mutation will push and reconcile
	// itself, so the remote version is discarded for this cycle only.
	hasPending, err := r.pending.HasPending(change.EntityID)
	if err != nil {
		return false, fmt.Errorf("failed to check pending mutations: %w", err)
	}
	if hasPending {
		logging.Debug("Local pending mutation wins over remote change",
			map[string]interface{}{"entity_id": change.EntityID})
		return false, nil
	}

	switch change.Operation {
	case models.OperationDelete:
		if err := r.applyDelete(change); err != nil {
			return false, err
		}
	default:
		if err := r.applyUpsert(change); err != nil {
			return false, err
		}
	}

	r.applied.SetDefault(memoKey, struct{}{})
	return true, nil
}

// applyUpsert creates the record if absent and overwrites it otherwise;
// once the device's own edit has been acknowledged, remote is authoritative.
func (r *Reconciler) applyUpsert(change models.ChangeEntry) error {
	rec := &models.Record{
		ID:         change.EntityID,
		EntityKind: change.EntityKind,
		Payload:    change.Data,
		UpdatedAt:  change.CreatedAt.Unix(),
	}
	if err := r.repo.UpsertRecord(rec); err != nil {
		return fmt.Errorf("failed to apply remote change %s: %w", change.EntityID, err)
	}
	return nil
}

func (r *Reconciler) applyDelete(change models.ChangeEntry) error {
	if err := r.repo.DeleteRecord(change.EntityID); err != nil {
		return fmt.Errorf("failed to apply remote delete %s: %w", change.EntityID, err)
	}
	return nil
}
