// Package domain contains persistence models for tenants, the customers of
// an organization whose activity is being metered.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type TenantStatus string

const (
	TenantStatusActive    TenantStatus = "ACTIVE"
	TenantStatusSuspended TenantStatus = "SUSPENDED"
	TenantStatusDeleted   TenantStatus = "DELETED"
)

var (
	ErrNotFound           = errors.New("tenant_not_found")
	ErrInvalidExternalID  = errors.New("invalid_external_id")
	ErrInvalidTransition  = errors.New("invalid_tenant_transition")
	ErrInvalidOrganization = errors.New("invalid_organization")
)

// Tenant is created lazily on first event and never hard-deleted; usage
// events and invoices keep referencing it after soft deletion.
type Tenant struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	OrgID      snowflake.ID `gorm:"column:org_id;not null;uniqueIndex:ux_tenants_org_external,priority:1"`
	ExternalID string       `gorm:"column:external_id;type:text;not null;uniqueIndex:ux_tenants_org_external,priority:2"`
	Name       string       `gorm:"type:text;not null"`
	Status     TenantStatus `gorm:"type:text;not null;default:'ACTIVE'"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Tenant) TableName() string { return "tenants" }

// CanTransition reports whether the status change is legal. ACTIVE and
// SUSPENDED flip freely; DELETED is terminal.
func (t Tenant) CanTransition(next TenantStatus) bool {
	switch t.Status {
	case TenantStatusActive:
		return next == TenantStatusSuspended || next == TenantStatusDeleted
	case TenantStatusSuspended:
		return next == TenantStatusActive || next == TenantStatusDeleted
	default:
		return false
	}
}
