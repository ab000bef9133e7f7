package domain

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// EventInput is one event of an ingest request, already bound from JSON.
type EventInput struct {
	EventType        string
	TenantExternalID string
	Quantity         decimal.Decimal
	Metadata         map[string]any
	Timestamp        *time.Time
	IdempotencyKey   string
}

// Validate enforces field constraints. now anchors the future-skew check.
func (in EventInput) Validate(now time.Time) error {
	if t := strings.TrimSpace(in.EventType); t == "" || len(t) > 100 {
		return ErrInvalidEventType
	}
	if t := strings.TrimSpace(in.TenantExternalID); t == "" || len(t) > 100 {
		return ErrInvalidTenantID
	}
	if !in.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	if len(in.IdempotencyKey) > 255 {
		return ErrInvalidIdempotencyKey
	}
	if in.Timestamp != nil && in.Timestamp.After(now.Add(FutureSkewTolerance)) {
		return ErrInvalidTimestamp
	}
	return nil
}

// IngestResult is positionally aligned to the request's events.
type IngestResult struct {
	EventID          snowflake.ID
	TenantID         snowflake.ID
	TenantExternalID string
	EventType        string
	IdempotencyKey   string
	Deduplicated     bool
	Warning          bool
}

// ListRequest filters the event listing.
type ListRequest struct {
	TenantExternalID string
	EventType        string
	StartDate        *time.Time
	EndDate          *time.Time
	Limit            int
}

// AggregateGroupBy selects the grouping dimension for usage reports.
type AggregateGroupBy string

const (
	GroupByEventType AggregateGroupBy = "event_type"
	GroupByTenant    AggregateGroupBy = "tenant"
	GroupByDay       AggregateGroupBy = "day"
)

// AggregateRequest shapes the usage report query.
type AggregateRequest struct {
	GroupBy   AggregateGroupBy
	StartDate time.Time
	EndDate   time.Time
}

// AggregateRow is one bucket of a usage report.
type AggregateRow struct {
	Key        string          `gorm:"column:group_key"`
	Quantity   decimal.Decimal `gorm:"column:total_quantity"`
	EventCount int64           `gorm:"column:event_count"`
}

// Service is the event recorder: it runs the ingest pipeline end to end and
// answers usage queries.
type Service interface {
	// Ingest validates, resolves tenants, filters duplicates, reserves
	// quota, and persists the batch. Results align positionally with
	// inputs. A quota violation rejects the whole batch.
	Ingest(ctx context.Context, orgID snowflake.ID, inputs []EventInput) ([]IngestResult, error)

	// List returns events ordered by timestamp descending.
	List(ctx context.Context, orgID snowflake.ID, req ListRequest) ([]UsageEvent, error)

	// Aggregate groups quantity over a window.
	Aggregate(ctx context.Context, orgID snowflake.ID, req AggregateRequest) ([]AggregateRow, error)
}
