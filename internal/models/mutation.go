// Package models provides data model definitions for the habitsync core.
package models

import (
	"encoding/json"
	"time"
)

// MutationStatus represents the lifecycle status of a queued mutation.
type MutationStatus string

const (
	MutationStatusPending      MutationStatus = "pending"
	MutationStatusInFlight     MutationStatus = "in_flight"
	MutationStatusAcknowledged MutationStatus = "acknowledged"
	MutationStatusFailed       MutationStatus = "failed"
)

// MutationRecord is a local change awaiting server acknowledgment.
// The ID doubles as the idempotency key: it never changes across retries,
// so re-submitting the same ID is a no-op server-side.
type MutationRecord struct {
	ID           UUID            `db:"id" json:"id"`
	EntityKind   string          `db:"entity_kind" json:"entity_kind"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	AttemptCount int             `db:"attempt_count" json:"attempt_count"`
	Status       MutationStatus  `db:"status" json:"status"`
	LastError    string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt    int64           `db:"created_at" json:"created_at"`
	UpdatedAt    int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for MutationRecord.
func (MutationRecord) TableName() string {
	return "mutation_queue"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (m *MutationRecord) CreatedAtTime() time.Time {
	return time.Unix(m.CreatedAt, 0)
}
