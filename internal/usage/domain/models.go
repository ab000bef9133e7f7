// Package domain contains persistence models for raw usage ingestion.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	quotadomain "github.com/smallbiznis/meterline/internal/quota/domain"
	"gorm.io/datatypes"
)

var (
	ErrInvalidOrganization   = errors.New("invalid_organization")
	ErrInvalidEventType      = errors.New("invalid_event_type")
	ErrInvalidTenantID       = errors.New("invalid_tenant_id")
	ErrInvalidQuantity       = errors.New("invalid_quantity")
	ErrInvalidTimestamp      = errors.New("invalid_timestamp")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrEmptyBatch            = errors.New("empty_batch")
	ErrBatchTooLarge         = errors.New("batch_too_large")
)

// MaxBatchSize caps events accepted in one ingest request.
const MaxBatchSize = 1000

// FutureSkewTolerance bounds how far ahead of the server clock a caller
// timestamp may run before the event is rejected.
const FutureSkewTolerance = 24 * time.Hour

// UsageEvent is the atom of billing. Once invoice_id is set it is never
// mutated; billed_at is non-null exactly when invoice_id is.
type UsageEvent struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	OrgID          snowflake.ID      `gorm:"column:org_id;not null;uniqueIndex:ux_usage_events_org_idem,priority:1"`
	TenantID       snowflake.ID      `gorm:"column:tenant_id;not null;index:ix_usage_events_tenant_time,priority:1"`
	EventType      string            `gorm:"column:event_type;type:text;not null"`
	Quantity       decimal.Decimal   `gorm:"type:numeric(24,6);not null"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	OccurredAt     time.Time         `gorm:"column:occurred_at;not null;index:ix_usage_events_tenant_time,priority:2"`
	IdempotencyKey *string           `gorm:"column:idempotency_key;type:text;uniqueIndex:ux_usage_events_org_idem,priority:2"`
	InvoiceID      *snowflake.ID     `gorm:"column:invoice_id;index"`
	BilledAt       *time.Time        `gorm:"column:billed_at"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

// UsageSnapshot is the daily roll-up per (tenant, date, eventType). Upserts
// keep it idempotent under replay.
type UsageSnapshot struct {
	ID           snowflake.ID    `gorm:"primaryKey"`
	OrgID        snowflake.ID    `gorm:"column:org_id;not null;index"`
	TenantID     snowflake.ID    `gorm:"column:tenant_id;not null;uniqueIndex:ux_usage_snapshots_tenant_date_event,priority:1"`
	SnapshotDate time.Time       `gorm:"column:snapshot_date;type:date;not null;uniqueIndex:ux_usage_snapshots_tenant_date_event,priority:2"`
	EventType    string          `gorm:"column:event_type;type:text;not null;uniqueIndex:ux_usage_snapshots_tenant_date_event,priority:3"`
	Quantity     decimal.Decimal `gorm:"type:numeric(24,6);not null"`
	CreatedAt    time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageSnapshot) TableName() string { return "usage_snapshots" }

// QuotaExceededError carries the full violation set of a rejected batch.
type QuotaExceededError struct {
	Violations []BatchViolation
}

// BatchViolation pairs a quota violation with the caller-facing tenant id.
type BatchViolation struct {
	TenantExternalID string
	EventType        string
	Result           quotadomain.Result
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota_exceeded: %d violation(s)", len(e.Violations))
}
