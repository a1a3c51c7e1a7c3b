// Package models provides data model definitions for the habitsync core.
package models

import (
	"encoding/json"
	"time"
)

// Operation represents the type of change carried by a mutation or
// a remote change entry.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ChangeEntry is a single entry in the server's change feed.
type ChangeEntry struct {
	Cursor     int64           `json:"cursor"`
	EntityKind string          `json:"entity_kind"`
	Operation  Operation       `json:"operation"`
	EntityID   UUID            `json:"entity_id"`
	Data       json.RawMessage `json:"data,omitempty"`
	DeletedAt  *time.Time      `json:"deleted_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ChangeFeed is the response from the remote changes endpoint.
type ChangeFeed struct {
	Changes    []ChangeEntry `json:"changes"`
	NextCursor int64         `json:"next_cursor"` // 0 if no more changes
	HasMore    bool          `json:"has_more"`
}

// Checkpoint is the watermark of the most recent successful pull.
// It only advances after an entire batch of remote changes is merged.
type Checkpoint struct {
	LastPulledCursor int64 `db:"last_pulled_cursor" json:"last_pulled_cursor"`
	LastPulledAt     int64 `db:"last_pulled_at" json:"last_pulled_at"`
}

// TableName returns the table name for Checkpoint.
func (Checkpoint) TableName() string {
	return "sync_checkpoint"
}

// LastPulledAtTime returns the LastPulledAt as time.Time.
func (c *Checkpoint) LastPulledAtTime() time.Time {
	return time.Unix(c.LastPulledAt, 0)
}
