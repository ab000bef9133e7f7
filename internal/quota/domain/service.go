package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Service performs current-period quota accounting. Quota is about admission:
// checks always run against now at ingest, not the event timestamp.
type Service interface {
	// CheckAndReserve atomically checks the pair and reserves qty on allow.
	// A rejected event never consumes quota.
	CheckAndReserve(ctx context.Context, tenantID snowflake.ID, eventType string, qty decimal.Decimal, now time.Time) (Result, error)

	// CheckAndReserveBatch checks pre-summed demands all-or-nothing. On any
	// violation every reservation made for the batch is released and the
	// full violation set is reported.
	CheckAndReserveBatch(ctx context.Context, demands []Demand, now time.Time) ([]Violation, error)

	// Release returns previously reserved quantity, used when a later
	// pipeline stage fails after reservation.
	Release(ctx context.Context, tenantID snowflake.ID, eventType string, qty decimal.Decimal, now time.Time)
}
