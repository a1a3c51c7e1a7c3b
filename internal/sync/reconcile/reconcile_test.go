package reconcile

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkarlsson/habitsync/internal/db"
	"github.com/dkarlsson/habitsync/internal/idkey"
	"github.com/dkarlsson/habitsync/internal/models"
)

// fakePending is a PendingChecker backed by a set of ids.
type fakePending map[models.UUID]bool

func (f fakePending) HasPending(id models.UUID) (bool, error) {
	return f[id], nil
}

func newTestReconciler(t *testing.T, pending fakePending) (*Reconciler, *db.Repository) {
	t.Helper()

	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	require.NoError(t, db.NewMigrator(database.DB).Up())

	repo := db.NewRepository(database.DB)
	if pending == nil {
		pending = fakePending{}
	}
	return New(repo, pending), repo
}

func newEntityID(t *testing.T) models.UUID {
	t.Helper()
	id, err := idkey.New()
	require.NoError(t, err)
	return models.UUID(id)
}

func change(id models.UUID, cursor int64, op models.Operation, data string) models.ChangeEntry {
	return models.ChangeEntry{
		Cursor:     cursor,
		EntityKind: "habit",
		Operation:  op,
		EntityID:   id,
		Data:       json.RawMessage(data),
		CreatedAt:  time.Now(),
	}
}

func TestMergeAppliesCreate(t *testing.T) {
	r, repo := newTestReconciler(t, nil)
	id := newEntityID(t)

	applied, err := r.Merge([]models.ChangeEntry{
		change(id, 1, models.OperationCreate, `{"name":"run"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	rec, err := repo.GetRecord(id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"run"}`, string(rec.Payload))
	assert.False(t, rec.IsDeleted)
}

func TestMergeUpdateOverwritesLocal(t *testing.T) {
	r, repo := newTestReconciler(t, nil)
	id := newEntityID(t)

	require.NoError(t, repo.UpsertRecord(&models.Record{
		ID:         id,
		EntityKind: "habit",
		Payload:    json.RawMessage(`{"name":"old"}`),
	}))

	applied, err := r.Merge([]models.ChangeEntry{
		change(id, 2, models.OperationUpdate, `{"name":"new"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	rec, err := repo.GetRecord(id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"new"}`, string(rec.Payload))
}

func TestMergeDeleteTombstones(t *testing.T) {
	r, repo := newTestReconciler(t, nil)
	id := newEntityID(t)

	require.NoError(t, repo.UpsertRecord(&models.Record{
		ID:         id,
		EntityKind: "habit",
		Payload:    json.RawMessage(`{}`),
	}))

	applied, err := r.Merge([]models.ChangeEntry{
		change(id, 3, models.OperationDelete, ``),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	rec, err := repo.GetRecord(id)
	require.NoError(t, err)
	assert.True(t, rec.IsDeleted)
}

func TestMergeLocalPendingWins(t *testing.T) {
	id := newEntityID(t)
	r, repo := newTestReconciler(t, fakePending{id: true})

	require.NoError(t, repo.UpsertRecord(&models.Record{
		ID:         id,
		EntityKind: "habit",
		Payload:    json.RawMessage(`{"name":"local edit"}`),
	}))

	applied, err := r.Merge([]models.ChangeEntry{
		change(id, 4, models.OperationUpdate, `{"name":"remote"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	// The local value survives untouched.
	rec, err := repo.GetRecord(id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"local edit"}`, string(rec.Payload))
}

func TestMergeSkipsInvalidIdentifier(t *testing.T) {
	r, repo := newTestReconciler(t, nil)
	good := newEntityID(t)

	applied, err := r.Merge([]models.ChangeEntry{
		change("not-a-uuid", 5, models.OperationCreate, `{}`),
		change(good, 6, models.OperationCreate, `{"name":"kept"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	_, err = repo.GetRecord("not-a-uuid")
	assert.ErrorIs(t, err, sql.ErrNoRows)

	rec, err := repo.GetRecord(good)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"kept"}`, string(rec.Payload))
}

func TestMergeReplayIsIdempotent(t *testing.T) {
	r, repo := newTestReconciler(t, nil)
	id := newEntityID(t)

	batch := []models.ChangeEntry{
		change(id, 7, models.OperationCreate, `{"name":"run"}`),
	}

	applied, err := r.Merge(batch)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	// Re-applying the same change set, as a crash-resumed pull would,
	// changes nothing.
	applied, err = r.Merge(batch)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	rec, err := repo.GetRecord(id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"run"}`, string(rec.Payload))
}

func TestMergeDeleteForUnknownRecordIsNoop(t *testing.T) {
	r, repo := newTestReconciler(t, nil)
	id := newEntityID(t)

	applied, err := r.Merge([]models.ChangeEntry{
		change(id, 8, models.OperationDelete, ``),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	_, err = repo.GetRecord(id)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}
