// Package domain contains persistence models and helpers for API keys.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
)

// Scopes granted to API keys.
const (
	ScopeEventsWrite = "events:write"
	ScopeUsageRead   = "usage:read"
)

var (
	ErrInvalidKey = errors.New("invalid_api_key")
	ErrKeyRevoked = errors.New("api_key_revoked")
	ErrKeyExpired = errors.New("api_key_expired")
)

// APIKey stores hashed API credentials scoped to an organization. The raw
// key is returned exactly once at creation; only the SHA-256 digest and a
// short displayable prefix are retained.
type APIKey struct {
	ID         snowflake.ID   `gorm:"primaryKey"`
	OrgID      snowflake.ID   `gorm:"column:org_id;not null;index"`
	Name       string         `gorm:"type:text;not null"`
	Prefix     string         `gorm:"type:text;not null"`
	KeyHash    string         `gorm:"column:key_hash;type:text;not null;uniqueIndex"`
	Scopes     pq.StringArray `gorm:"type:text[];not null"`
	ExpiresAt  *time.Time     `gorm:"column:expires_at"`
	RevokedAt  *time.Time     `gorm:"column:revoked_at"`
	LastUsedAt *time.Time     `gorm:"column:last_used_at"`
	CreatedAt  time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (APIKey) TableName() string { return "api_keys" }

// Identity is the resolved caller of an authenticated request.
type Identity struct {
	KeyID  snowflake.ID
	OrgID  snowflake.ID
	Scopes []string
}

// HasScope is a plain membership test. Case-sensitive, no hierarchy.
func HasScope(scopes []string, required string) bool {
	for _, s := range scopes {
		if s == required {
			return true
		}
	}
	return false
}
