package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type CreateRequest struct {
	OrgID     snowflake.ID
	Name      string
	Scopes    []string
	ExpiresAt *time.Time
}

// Service validates bearer credentials and mints new keys.
type Service interface {
	// Validate resolves a raw bearer to an identity. The last-used timestamp
	// is updated best-effort off the request path.
	Validate(ctx context.Context, bearer string) (Identity, error)

	// Create mints a key and returns the raw value exactly once.
	Create(ctx context.Context, req CreateRequest) (string, *APIKey, error)

	// Revoke marks a key unusable from now on.
	Revoke(ctx context.Context, orgID, keyID snowflake.ID) error
}
