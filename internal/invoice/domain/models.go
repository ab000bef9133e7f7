// Package domain contains persistence models for invoicing.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "DRAFT"
	InvoiceStatusPending   InvoiceStatus = "PENDING"
	InvoiceStatusPaid      InvoiceStatus = "PAID"
	InvoiceStatusOverdue   InvoiceStatus = "OVERDUE"
	InvoiceStatusCancelled InvoiceStatus = "CANCELLED"
)

var (
	ErrInvalidPeriod     = errors.New("invalid_invoice_period")
	ErrTenantNotFound    = errors.New("invoice_tenant_not_found")
	ErrInvalidTransition = errors.New("invalid_invoice_transition")
	ErrNumberExhausted   = errors.New("invoice_number_exhausted")
	ErrNotFound          = errors.New("invoice_not_found")
)

// Invoice bills one tenant for one period. Every source event backs onto it
// via invoice_id, so each billed unit is traceable.
type Invoice struct {
	ID            snowflake.ID  `gorm:"primaryKey"`
	OrgID         snowflake.ID  `gorm:"column:org_id;not null;index"`
	TenantID      snowflake.ID  `gorm:"column:tenant_id;not null;index"`
	InvoiceNumber string        `gorm:"column:invoice_number;type:text;not null;uniqueIndex"`
	PeriodStart   time.Time     `gorm:"column:period_start;not null"`
	PeriodEnd     time.Time     `gorm:"column:period_end;not null"`
	Status        InvoiceStatus `gorm:"type:text;not null;default:'DRAFT'"`
	SubtotalCents int64         `gorm:"column:subtotal_cents;not null;default:0"`
	TaxCents      int64         `gorm:"column:tax_cents;not null;default:0"`
	TotalCents    int64         `gorm:"column:total_cents;not null;default:0"`
	DueDate       time.Time     `gorm:"column:due_date;not null"`
	PaidAt        *time.Time    `gorm:"column:paid_at"`
	CreatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// CanTransition enforces DRAFT → PENDING → {PAID | OVERDUE}; CANCELLED only
// from DRAFT or PENDING.
func (i Invoice) CanTransition(next InvoiceStatus) bool {
	switch i.Status {
	case InvoiceStatusDraft:
		return next == InvoiceStatusPending || next == InvoiceStatusCancelled
	case InvoiceStatusPending:
		return next == InvoiceStatusPaid || next == InvoiceStatusOverdue || next == InvoiceStatusCancelled
	case InvoiceStatusOverdue:
		return next == InvoiceStatusPaid
	default:
		return false
	}
}

// IsOverdue is the derived view: past due and still pending.
func (i Invoice) IsOverdue(now time.Time) bool {
	return i.Status == InvoiceStatusPending && now.After(i.DueDate)
}

// InvoiceLineItem aggregates one event type on an invoice. UnitPrice is the
// display-only average (total over quantity, in cents per unit); the tier
// breakdown blob carries the exact step-function math.
type InvoiceLineItem struct {
	ID              snowflake.ID    `gorm:"primaryKey"`
	InvoiceID       snowflake.ID    `gorm:"column:invoice_id;not null;index"`
	EventType       string          `gorm:"column:event_type;type:text;not null"`
	Quantity        decimal.Decimal `gorm:"type:numeric(24,6);not null"`
	UnitPrice       decimal.Decimal `gorm:"column:unit_price;type:numeric(24,6);not null"`
	TotalPriceCents int64           `gorm:"column:total_price_cents;not null"`
	Breakdown       datatypes.JSON  `gorm:"type:jsonb"`
	CreatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceLineItem) TableName() string { return "invoice_line_items" }

// TierBreakdownEntry is one row of a line item's breakdown blob.
type TierBreakdownEntry struct {
	TierLevel      int             `json:"tier_level"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitPriceCents int64           `json:"unit_price_cents"`
	SubtotalCents  int64           `json:"subtotal_cents"`
}
