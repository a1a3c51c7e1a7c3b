// Package models provides data model definitions for the habitsync core.
package models

import (
	"encoding/json"
	"time"
)

// Record is a local domain record. The sync core treats the payload as
// opaque; it only keys records by identifier and entity kind.
type Record struct {
	ID         UUID            `db:"id" json:"id"`
	EntityKind string          `db:"entity_kind" json:"entity_kind"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	IsDeleted  bool            `db:"is_deleted" json:"is_deleted"`
	UpdatedAt  int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "records"
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (r *Record) UpdatedAtTime() time.Time {
	return time.Unix(r.UpdatedAt, 0)
}
