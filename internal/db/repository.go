// Package db provides CRUD repository operations for habitsync data models.
package db

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dkarlsson/habitsync/internal/models"
)

// Repository provides persistence operations for the sync core. It is only
// accessed from the sync engine's worker; SQLite's single-writer setup is
// enough concurrency control.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// Record Operations
// =====================================================

// UpsertRecord inserts or replaces a local record.
func (r *Repository) UpsertRecord(rec *models.Record) error {
	stmt, err := r.PrepareStmt(`
		INSERT INTO records (id, entity_kind, payload, is_deleted, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entity_kind = excluded.entity_kind,
			payload = excluded.payload,
			is_deleted = excluded.is_deleted,
			updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = time.Now().Unix()
	}
	_, err = stmt.Exec(rec.ID, rec.EntityKind, []byte(rec.Payload), rec.IsDeleted, rec.UpdatedAt)
	return err
}

// GetRecord returns the record with the given id, or sql.ErrNoRows.
func (r *Repository) GetRecord(id models.UUID) (*models.Record, error) {
	stmt, err := r.PrepareStmt(
		"SELECT id, entity_kind, payload, is_deleted, updated_at FROM records WHERE id = ?")
	if err != nil {
		return nil, err
	}

	rec := &models.Record{}
	var payload []byte
	err = stmt.QueryRow(id).Scan(&rec.ID, &rec.EntityKind, &payload, &rec.IsDeleted, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	return rec, nil
}

// DeleteRecord marks a record deleted without removing the row, so a later
// pull can still reconcile against the tombstone.
func (r *Repository) DeleteRecord(id models.UUID) error {
	stmt, err := r.PrepareStmt(
		"UPDATE records SET is_deleted = 1, updated_at = ? WHERE id = ?")
	if err != nil {
		return err
	}
	_, err = stmt.Exec(time.Now().Unix(), id)
	return err
}

// CountRecords returns the number of non-deleted records.
func (r *Repository) CountRecords() (int, error) {
	var count int
	err := r.db.QueryRow("SELECT COUNT(*) FROM records WHERE is_deleted = 0").Scan(&count)
	return count, err
}

// =====================================================
// Mutation Queue Operations
// =====================================================

// InsertMutation appends a mutation to the durable queue. A mutation for an
// id already queued coalesces into the existing row: the payload is replaced
// and the row keeps its FIFO position, matching last-write-wins locally. A
// row that is failed or currently in flight returns to pending, so an edit
// made while its predecessor is being pushed outlives the acknowledgment of
// that push (see AcknowledgeMutations).
func (r *Repository) InsertMutation(m *models.MutationRecord) error {
	stmt, err := r.PrepareStmt(`
		INSERT INTO mutation_queue
			(id, entity_kind, payload, attempt_count, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entity_kind = excluded.entity_kind,
			payload = excluded.payload,
			status = CASE mutation_queue.status
				WHEN 'failed' THEN 'pending'
				WHEN 'in_flight' THEN 'pending'
				ELSE mutation_queue.status
			END,
			updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(m.ID, m.EntityKind, []byte(m.Payload), m.AttemptCount,
		m.Status, m.LastError, m.CreatedAt, m.UpdatedAt)
	return err
}

// ListMutationsByStatus returns mutations with the given status in creation
// order (FIFO), up to limit. A limit of 0 means no limit.
func (r *Repository) ListMutationsByStatus(status models.MutationStatus, limit int) ([]*models.MutationRecord, error) {
	query := `
		SELECT id, entity_kind, payload, attempt_count, status, last_error, created_at, updated_at
		FROM mutation_queue WHERE status = ? ORDER BY created_at, id`
	args := []interface{}{status}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.MutationRecord
	for rows.Next() {
		m := &models.MutationRecord{}
		var payload []byte
		if err := rows.Scan(&m.ID, &m.EntityKind, &payload, &m.AttemptCount,
			&m.Status, &m.LastError, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Payload = payload
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetMutationStatus updates the status for the given ids.
func (r *Repository) SetMutationStatus(ids []models.UUID, status models.MutationStatus) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		"UPDATE mutation_queue SET status = ?, updated_at = ? WHERE id IN (%s)",
		placeholders(len(ids)))
	args := []interface{}{status, time.Now().Unix()}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := r.db.Exec(query, args...)
	return err
}

// AcknowledgeMutations removes the given mutations, skipping any row that
// returned to pending after dispatch: an edit coalesced into an in-flight
// row must survive the acknowledgment of the payload that was pushed.
func (r *Repository) AcknowledgeMutations(ids []models.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		"DELETE FROM mutation_queue WHERE status = ? AND id IN (%s)",
		placeholders(len(ids)))
	args := []interface{}{models.MutationStatusInFlight}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := r.db.Exec(query, args...)
	return err
}

// RequeueMutations returns in-flight mutations to pending and increments
// their attempt count, recording the failure reason.
func (r *Repository) RequeueMutations(ids []models.UUID, lastError string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE mutation_queue
		SET status = ?, attempt_count = attempt_count + 1, last_error = ?, updated_at = ?
		WHERE id IN (%s)`, placeholders(len(ids)))
	args := []interface{}{models.MutationStatusPending, lastError, time.Now().Unix()}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := r.db.Exec(query, args...)
	return err
}

// FailMutations marks the given mutations failed with the reason.
func (r *Repository) FailMutations(ids []models.UUID, lastError string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE mutation_queue SET status = ?, last_error = ?, updated_at = ?
		WHERE id IN (%s)`, placeholders(len(ids)))
	args := []interface{}{models.MutationStatusFailed, lastError, time.Now().Unix()}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := r.db.Exec(query, args...)
	return err
}

// CountMutations returns the count of pending plus in-flight mutations.
func (r *Repository) CountMutations() (int, error) {
	var count int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM mutation_queue WHERE status IN (?, ?)",
		models.MutationStatusPending, models.MutationStatusInFlight).Scan(&count)
	return count, err
}

// HasPendingMutation reports whether a pending or in-flight mutation exists
// for the given entity id. Used by reconciliation: local pending wins.
func (r *Repository) HasPendingMutation(id models.UUID) (bool, error) {
	stmt, err := r.PrepareStmt(
		"SELECT COUNT(*) FROM mutation_queue WHERE id = ? AND status IN (?, ?)")
	if err != nil {
		return false, err
	}
	var count int
	err = stmt.QueryRow(id, models.MutationStatusPending, models.MutationStatusInFlight).Scan(&count)
	return count > 0, err
}

// ResetInFlightMutations returns any in-flight mutations to pending. Called
// at startup: a crash mid-push leaves rows in_flight, and the server-side
// idempotency of the ids makes re-submission safe.
func (r *Repository) ResetInFlightMutations() (int64, error) {
	res, err := r.db.Exec(
		"UPDATE mutation_queue SET status = ?, updated_at = ? WHERE status = ?",
		models.MutationStatusPending, time.Now().Unix(), models.MutationStatusInFlight)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClearFailedMutations removes failed mutations from the queue.
func (r *Repository) ClearFailedMutations() (int64, error) {
	res, err := r.db.Exec("DELETE FROM mutation_queue WHERE status = ?", models.MutationStatusFailed)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// =====================================================
// Checkpoint Operations
// =====================================================

// GetCheckpoint returns the pull checkpoint, zero-valued if never saved.
func (r *Repository) GetCheckpoint() (*models.Checkpoint, error) {
	cp := &models.Checkpoint{}
	err := r.db.QueryRow(
		"SELECT last_pulled_cursor, last_pulled_at FROM sync_checkpoint WHERE id = 1").
		Scan(&cp.LastPulledCursor, &cp.LastPulledAt)
	if err == sql.ErrNoRows {
		return &models.Checkpoint{}, nil
	}
	return cp, err
}

// SaveCheckpoint persists the pull checkpoint.
func (r *Repository) SaveCheckpoint(cp *models.Checkpoint) error {
	_, err := r.db.Exec(`
		INSERT INTO sync_checkpoint (id, last_pulled_cursor, last_pulled_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_pulled_cursor = excluded.last_pulled_cursor,
			last_pulled_at = excluded.last_pulled_at`,
		cp.LastPulledCursor, cp.LastPulledAt)
	return err
}

// ResetCheckpoint clears the checkpoint so the next pull starts from zero.
func (r *Repository) ResetCheckpoint() error {
	_, err := r.db.Exec("DELETE FROM sync_checkpoint WHERE id = 1")
	return err
}

// =====================================================
// Credential Operations
// =====================================================

// GetCredential returns the stored credential, or sql.ErrNoRows.
func (r *Repository) GetCredential() (*models.Credential, error) {
	c := &models.Credential{}
	err := r.db.QueryRow(`
		SELECT id, endpoint, token_encrypted, is_enabled, created_at, updated_at
		FROM sync_credentials LIMIT 1`).
		Scan(&c.ID, &c.Endpoint, &c.TokenEncrypted, &c.IsEnabled, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// SaveCredential stores the credential, replacing any existing one.
func (r *Repository) SaveCredential(c *models.Credential) error {
	now := time.Now().Unix()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM sync_credentials"); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO sync_credentials (id, endpoint, token_encrypted, is_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Endpoint, c.TokenEncrypted, c.IsEnabled, c.CreatedAt, c.UpdatedAt); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// DeleteCredential removes the stored credential.
func (r *Repository) DeleteCredential() error {
	_, err := r.db.Exec("DELETE FROM sync_credentials")
	return err
}

// placeholders returns a comma-separated list of n SQL placeholders.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
