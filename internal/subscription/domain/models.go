// Package domain contains the subscription status contract mutated by
// payment-processor webhooks.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
	SubscriptionStatusPastDue  SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusTrialing SubscriptionStatus = "TRIALING"
	SubscriptionStatusUnpaid   SubscriptionStatus = "UNPAID"
)

var (
	ErrNotFound      = errors.New("subscription_not_found")
	ErrInvalidStatus = errors.New("invalid_subscription_status")
)

// ValidStatus reports whether the PSP-supplied status is part of the
// contract.
func ValidStatus(s SubscriptionStatus) bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusCanceled,
		SubscriptionStatusPastDue, SubscriptionStatusTrialing,
		SubscriptionStatusUnpaid:
		return true
	default:
		return false
	}
}

// Subscription mirrors the payment processor's subscription for an
// organization. The PSP is authoritative; webhooks keep this row current.
type Subscription struct {
	ID          snowflake.ID       `gorm:"primaryKey"`
	OrgID       snowflake.ID       `gorm:"column:org_id;not null;index"`
	ExternalRef string             `gorm:"column:external_ref;type:text;not null;uniqueIndex"`
	Status      SubscriptionStatus `gorm:"type:text;not null"`
	CreatedAt   time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }
