// Package models provides data model definitions for the habitsync core.
package models

import (
	"time"

	"github.com/dkarlsson/habitsync/internal/crypto"
)

// Credential holds the remote API auth token, encrypted at rest.
// TokenEncrypted is never exposed in JSON responses. The sync core only
// stores and reports credentials; re-authentication is the app's job.
type Credential struct {
	ID             UUID   `db:"id" json:"id"`
	Endpoint       string `db:"endpoint" json:"endpoint"`
	TokenEncrypted string `db:"token_encrypted" json:"-"` // Never expose
	IsEnabled      bool   `db:"is_enabled" json:"is_enabled"`
	CreatedAt      int64  `db:"created_at" json:"created_at"`
	UpdatedAt      int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Credential.
func (Credential) TableName() string {
	return "sync_credentials"
}

// SetToken encrypts and sets the auth token using AES-256-GCM.
func (c *Credential) SetToken(token, deviceID string) error {
	encrypted, err := crypto.EncryptToken(token, deviceID)
	if err != nil {
		return err
	}
	c.TokenEncrypted = encrypted
	return nil
}

// GetToken decrypts and returns the auth token.
func (c *Credential) GetToken(deviceID string) (string, error) {
	if c.TokenEncrypted == "" {
		return "", nil
	}
	return crypto.DecryptToken(c.TokenEncrypted, deviceID)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (c *Credential) UpdatedAtTime() time.Time {
	return time.Unix(c.UpdatedAt, 0)
}
