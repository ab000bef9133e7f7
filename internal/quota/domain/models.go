// Package domain contains quota limits and the enforcement decision matrix.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// EnforcementMode is a closed set; callers pattern-match, never subtype.
type EnforcementMode string

const (
	ModeHard     EnforcementMode = "HARD"
	ModeSoft     EnforcementMode = "SOFT"
	ModeDisabled EnforcementMode = "DISABLED"
)

var ErrQuotaExceeded = errors.New("quota_exceeded")

// QuotaLimit caps summed quantity for a (tenant, eventType) pair within the
// current period. Absence of a row means unlimited.
type QuotaLimit struct {
	ID              snowflake.ID     `gorm:"primaryKey"`
	TenantID        snowflake.ID     `gorm:"column:tenant_id;not null;uniqueIndex:ux_quota_limits_tenant_event,priority:1"`
	EventType       string           `gorm:"column:event_type;type:text;not null;uniqueIndex:ux_quota_limits_tenant_event,priority:2"`
	LimitValue      decimal.Decimal  `gorm:"column:limit_value;type:numeric(24,6);not null"`
	SoftLimitValue  *decimal.Decimal `gorm:"column:soft_limit_value;type:numeric(24,6)"`
	EnforcementMode EnforcementMode  `gorm:"column:enforcement_mode;type:text;not null;default:'HARD'"`
	OverageAllowed  *decimal.Decimal `gorm:"column:overage_allowed;type:numeric(24,6)"`
	GracePeriodEnd  *time.Time       `gorm:"column:grace_period_end"`
	ResetAt         time.Time        `gorm:"column:reset_at;not null"`
	CreatedAt       time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (QuotaLimit) TableName() string { return "quota_limits" }

// Period identifies the accounting window the counter key embeds, so a new
// period starts from zero without an explicit reset.
func (q QuotaLimit) Period() string {
	return q.ResetAt.UTC().Format("200601")
}

// InGrace reports whether enforcement is suspended right now.
func (q QuotaLimit) InGrace(now time.Time) bool {
	return q.GracePeriodEnd != nil && now.Before(*q.GracePeriodEnd)
}

// Ceiling returns the maximum admissible running total under the mode, and
// whether the pair is effectively unlimited.
func (q QuotaLimit) Ceiling(now time.Time) (decimal.Decimal, bool) {
	if q.EnforcementMode == ModeDisabled || q.InGrace(now) {
		return decimal.Zero, true
	}
	switch q.EnforcementMode {
	case ModeSoft:
		ceiling := q.LimitValue
		if q.OverageAllowed != nil {
			ceiling = ceiling.Add(*q.OverageAllowed)
		}
		return ceiling, false
	default:
		return q.LimitValue, false
	}
}

// Result is the outcome of a quota check.
type Result struct {
	Allowed         bool
	Warning         bool
	EnforcementMode EnforcementMode
	Current         decimal.Decimal
	Projected       decimal.Decimal
	Limit           decimal.Decimal
	SoftLimit       *decimal.Decimal
	ResetAt         time.Time
	GracePeriodEnd  *time.Time
}

// Evaluate applies the decision matrix against a known current total. The
// caller is responsible for incrementing only after an allow.
func (q QuotaLimit) Evaluate(current, qty decimal.Decimal, now time.Time) Result {
	projected := current.Add(qty)
	result := Result{
		EnforcementMode: q.EnforcementMode,
		Current:         current,
		Projected:       projected,
		Limit:           q.LimitValue,
		SoftLimit:       q.SoftLimitValue,
		ResetAt:         q.ResetAt,
		GracePeriodEnd:  q.GracePeriodEnd,
	}

	ceiling, unlimited := q.Ceiling(now)
	result.Allowed = unlimited || projected.LessThanOrEqual(ceiling)

	// DISABLED never warns; counters still track for observability.
	if q.EnforcementMode != ModeDisabled && q.SoftLimitValue != nil && projected.GreaterThan(*q.SoftLimitValue) {
		result.Warning = true
	}
	return result
}

// Unlimited is the result for pairs without a configured limit.
func Unlimited(current, qty decimal.Decimal) Result {
	return Result{
		Allowed:         true,
		EnforcementMode: ModeDisabled,
		Current:         current,
		Projected:       current.Add(qty),
	}
}

// Demand is a pre-summed batch entry for one (tenant, eventType) pair.
type Demand struct {
	TenantID  snowflake.ID
	EventType string
	Quantity  decimal.Decimal
}

// Violation reports a rejected pair in a batch check.
type Violation struct {
	TenantID  snowflake.ID
	EventType string
	Result    Result
}
