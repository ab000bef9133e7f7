// Package domain contains the tiered pricing configuration applied at
// invoicing time.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// PricingTier is one band of the step-function price curve for an event
// type. Bands are half-open [MinQuantity, MaxQuantity); a nil MaxQuantity is
// unbounded. Sorted by TierLevel the bands partition [0, ∞).
type PricingTier struct {
	ID             snowflake.ID     `gorm:"primaryKey"`
	OrgID          snowflake.ID     `gorm:"column:org_id;not null;index:ix_pricing_tiers_org_event,priority:1"`
	EventType      string           `gorm:"column:event_type;type:text;not null;index:ix_pricing_tiers_org_event,priority:2"`
	TierLevel      int              `gorm:"column:tier_level;not null"`
	MinQuantity    decimal.Decimal  `gorm:"column:min_quantity;type:numeric(24,6);not null"`
	MaxQuantity    *decimal.Decimal `gorm:"column:max_quantity;type:numeric(24,6)"`
	UnitPriceCents int64            `gorm:"column:unit_price_cents;not null"`
	EffectiveFrom  time.Time        `gorm:"column:effective_from;not null"`
	EffectiveTo    *time.Time       `gorm:"column:effective_to"`
	CreatedAt      time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PricingTier) TableName() string { return "pricing_tiers" }
