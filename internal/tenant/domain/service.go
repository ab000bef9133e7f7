package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// Service resolves caller-supplied external ids to tenant rows, creating
// missing tenants on first sight.
type Service interface {
	// Resolve maps every external id to a tenant id, creating absent tenants
	// as ACTIVE with the external id as the default name. Concurrent callers
	// converge on one row per (org, externalId).
	Resolve(ctx context.Context, orgID snowflake.ID, externalIDs []string) (map[string]snowflake.ID, error)

	// ListActive pages through ACTIVE tenants of every organization, for the
	// snapshot job.
	ListActive(ctx context.Context, afterID snowflake.ID, limit int) ([]Tenant, error)

	// Transition applies a status change, enforcing the tenant state machine.
	Transition(ctx context.Context, orgID, tenantID snowflake.ID, next TenantStatus) error
}
