package db

import (
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkarlsson/habitsync/internal/models"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	database, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	require.NoError(t, NewMigrator(database.DB).Up())
	return NewRepository(database.DB)
}

func TestUpsertAndGetRecord(t *testing.T) {
	repo := newTestRepo(t)

	rec := &models.Record{
		ID:         "0190a5e4-0000-7000-8000-000000000001",
		EntityKind: "habit",
		Payload:    json.RawMessage(`{"name":"run"}`),
	}
	require.NoError(t, repo.UpsertRecord(rec))

	got, err := repo.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "habit", got.EntityKind)
	assert.JSONEq(t, `{"name":"run"}`, string(got.Payload))
	assert.False(t, got.IsDeleted)

	// Upsert with the same id replaces in place.
	rec.Payload = json.RawMessage(`{"name":"swim"}`)
	require.NoError(t, repo.UpsertRecord(rec))

	got, err = repo.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"swim"}`, string(got.Payload))
}

func TestGetRecordNotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetRecord("0190a5e4-0000-7000-8000-00000000ffff")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestDeleteRecordTombstones(t *testing.T) {
	repo := newTestRepo(t)

	rec := &models.Record{
		ID:         "0190a5e4-0000-7000-8000-000000000002",
		EntityKind: "habit",
		Payload:    json.RawMessage(`{}`),
	}
	require.NoError(t, repo.UpsertRecord(rec))
	require.NoError(t, repo.DeleteRecord(rec.ID))

	// The row survives as a tombstone but drops out of the live count.
	got, err := repo.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)

	count, err := repo.CountRecords()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestMutationLifecycle(t *testing.T) {
	repo := newTestRepo(t)

	m := &models.MutationRecord{
		ID:         "0190a5e4-0000-7000-8000-000000000003",
		EntityKind: "habit",
		Payload:    json.RawMessage(`{"v":1}`),
		Status:     models.MutationStatusPending,
		CreatedAt:  100,
		UpdatedAt:  100,
	}
	require.NoError(t, repo.InsertMutation(m))

	pending, err := repo.ListMutationsByStatus(models.MutationStatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, repo.SetMutationStatus([]models.UUID{m.ID}, models.MutationStatusInFlight))
	count, err := repo.CountMutations()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, repo.RequeueMutations([]models.UUID{m.ID}, "timeout"))
	pending, err = repo.ListMutationsByStatus(models.MutationStatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].AttemptCount)
	assert.Equal(t, "timeout", pending[0].LastError)

	require.NoError(t, repo.SetMutationStatus([]models.UUID{m.ID}, models.MutationStatusInFlight))
	require.NoError(t, repo.AcknowledgeMutations([]models.UUID{m.ID}))
	count, err = repo.CountMutations()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestAcknowledgeSkipsRowsBackInPending(t *testing.T) {
	repo := newTestRepo(t)

	m := &models.MutationRecord{
		ID:         "0190a5e4-0000-7000-8000-000000000007",
		EntityKind: "habit",
		Payload:    json.RawMessage(`{"v":1}`),
		Status:     models.MutationStatusPending,
		CreatedAt:  100,
		UpdatedAt:  100,
	}
	require.NoError(t, repo.InsertMutation(m))
	require.NoError(t, repo.SetMutationStatus([]models.UUID{m.ID}, models.MutationStatusInFlight))

	// A coalesced edit flips the in-flight row back to pending.
	m2 := &models.MutationRecord{
		ID:         m.ID,
		EntityKind: "habit",
		Payload:    json.RawMessage(`{"v":2}`),
		Status:     models.MutationStatusPending,
		CreatedAt:  200,
		UpdatedAt:  200,
	}
	require.NoError(t, repo.InsertMutation(m2))

	require.NoError(t, repo.AcknowledgeMutations([]models.UUID{m.ID}))

	pending, err := repo.ListMutationsByStatus(models.MutationStatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.JSONEq(t, `{"v":2}`, string(pending[0].Payload))
}

func TestInsertMutationCoalescesAndRevivesFailed(t *testing.T) {
	repo := newTestRepo(t)

	m := &models.MutationRecord{
		ID:         "0190a5e4-0000-7000-8000-000000000004",
		EntityKind: "habit",
		Payload:    json.RawMessage(`{"v":1}`),
		Status:     models.MutationStatusPending,
		CreatedAt:  100,
		UpdatedAt:  100,
	}
	require.NoError(t, repo.InsertMutation(m))
	require.NoError(t, repo.FailMutations([]models.UUID{m.ID}, "rejected"))

	// Re-enqueuing the same id replaces the payload and revives the row.
	m2 := &models.MutationRecord{
		ID:         m.ID,
		EntityKind: "habit",
		Payload:    json.RawMessage(`{"v":2}`),
		Status:     models.MutationStatusPending,
		CreatedAt:  200,
		UpdatedAt:  200,
	}
	require.NoError(t, repo.InsertMutation(m2))

	pending, err := repo.ListMutationsByStatus(models.MutationStatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.JSONEq(t, `{"v":2}`, string(pending[0].Payload))
	// FIFO position is the original one.
	assert.Equal(t, int64(100), pending[0].CreatedAt)
}

func TestResetInFlightMutations(t *testing.T) {
	repo := newTestRepo(t)

	for i, id := range []models.UUID{
		"0190a5e4-0000-7000-8000-000000000005",
		"0190a5e4-0000-7000-8000-000000000006",
	} {
		require.NoError(t, repo.InsertMutation(&models.MutationRecord{
			ID:         id,
			EntityKind: "habit",
			Payload:    json.RawMessage(`{}`),
			Status:     models.MutationStatusPending,
			CreatedAt:  int64(100 + i),
			UpdatedAt:  int64(100 + i),
		}))
		require.NoError(t, repo.SetMutationStatus([]models.UUID{id}, models.MutationStatusInFlight))
	}

	restored, err := repo.ResetInFlightMutations()
	require.NoError(t, err)
	assert.Equal(t, int64(2), restored)

	pending, err := repo.ListMutationsByStatus(models.MutationStatusPending, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestCheckpointRoundTrip(t *testing.T) {
	repo := newTestRepo(t)

	// Never saved: zero-valued, not an error.
	cp, err := repo.GetCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, int64(0), cp.LastPulledCursor)

	require.NoError(t, repo.SaveCheckpoint(&models.Checkpoint{LastPulledCursor: 17, LastPulledAt: 1000}))
	require.NoError(t, repo.SaveCheckpoint(&models.Checkpoint{LastPulledCursor: 42, LastPulledAt: 2000}))

	cp, err = repo.GetCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, int64(42), cp.LastPulledCursor)
	assert.Equal(t, int64(2000), cp.LastPulledAt)

	require.NoError(t, repo.ResetCheckpoint())
	cp, err = repo.GetCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, int64(0), cp.LastPulledCursor)
}

func TestCredentialRoundTrip(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetCredential()
	assert.ErrorIs(t, err, sql.ErrNoRows)

	cred := &models.Credential{
		ID:        "0190a5e4-0000-7000-8000-000000000007",
		Endpoint:  "https://sync.example.com",
		IsEnabled: true,
	}
	require.NoError(t, cred.SetToken("secret-token", "device-1"))
	require.NoError(t, repo.SaveCredential(cred))

	got, err := repo.GetCredential()
	require.NoError(t, err)
	assert.Equal(t, "https://sync.example.com", got.Endpoint)
	assert.True(t, got.IsEnabled)

	token, err := got.GetToken("device-1")
	require.NoError(t, err)
	assert.Equal(t, "secret-token", token)

	// Saving again replaces rather than accumulates.
	cred2 := &models.Credential{
		ID:       "0190a5e4-0000-7000-8000-000000000008",
		Endpoint: "https://other.example.com",
	}
	require.NoError(t, repo.SaveCredential(cred2))

	got, err = repo.GetCredential()
	require.NoError(t, err)
	assert.Equal(t, "https://other.example.com", got.Endpoint)

	require.NoError(t, repo.DeleteCredential())
	_, err = repo.GetCredential()
	assert.ErrorIs(t, err, sql.ErrNoRows)
}
