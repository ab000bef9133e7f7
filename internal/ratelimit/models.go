// Package ratelimit implements per-organization admission control with
// bucketed sliding windows over the fast-path cache.
package ratelimit

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// RateLimitPolicy configures request ceilings per organization, optionally
// pinned to a single API key. Absent granularities are not enforced.
type RateLimitPolicy struct {
	ID                snowflake.ID  `gorm:"primaryKey"`
	OrgID             snowflake.ID  `gorm:"column:org_id;not null;index"`
	APIKeyID          *snowflake.ID `gorm:"column:api_key_id;index"`
	RequestsPerSecond *int64        `gorm:"column:requests_per_second"`
	RequestsPerMinute *int64        `gorm:"column:requests_per_minute"`
	RequestsPerHour   *int64        `gorm:"column:requests_per_hour"`
	CreatedAt         time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RateLimitPolicy) TableName() string { return "rate_limit_policies" }

// Empty reports whether no granularity is configured.
func (p *RateLimitPolicy) Empty() bool {
	return p == nil || (p.RequestsPerSecond == nil && p.RequestsPerMinute == nil && p.RequestsPerHour == nil)
}

// PolicyFor loads the policy for an organization, preferring a key-scoped
// policy when one exists. A nil return means unlimited.
func PolicyFor(ctx context.Context, db *gorm.DB, orgID, apiKeyID snowflake.ID) (*RateLimitPolicy, error) {
	var rows []RateLimitPolicy
	err := db.WithContext(ctx).
		Where("org_id = ? AND (api_key_id IS NULL OR api_key_id = ?)", orgID, apiKeyID).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	var orgWide *RateLimitPolicy
	for i := range rows {
		if rows[i].APIKeyID != nil && *rows[i].APIKeyID == apiKeyID {
			return &rows[i], nil
		}
		if rows[i].APIKeyID == nil && orgWide == nil {
			orgWide = &rows[i]
		}
	}
	return orgWide, nil
}
