// Package seed provisions a demo organization for local development.
package seed

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	apikeydomain "github.com/smallbiznis/meterline/internal/apikey/domain"
	"github.com/smallbiznis/meterline/internal/config"
	orgdomain "github.com/smallbiznis/meterline/internal/organization/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Cfg       config.Config
	APIKeySvc apikeydomain.Service
}

// Run creates a demo organization with a write-scoped API key when SEED_DEMO
// is set. The raw key is logged exactly once; only its hash is stored.
func Run(p Params) error {
	if !p.Cfg.SeedDemo {
		return nil
	}
	log := p.Log.Named("seed")
	ctx := context.Background()

	const demoName = "Demo Org"
	demoSlug := slug.Make(demoName)

	var org orgdomain.Organization
	err := p.DB.WithContext(ctx).Where("slug = ?", demoSlug).First(&org).Error
	if err == nil {
		log.Info("demo organization already provisioned", zap.String("slug", demoSlug))
		return nil
	}
	if err != gorm.ErrRecordNotFound {
		return err
	}

	now := time.Now().UTC()
	org = orgdomain.Organization{
		ID:        p.GenID.Generate(),
		Name:      demoName,
		Slug:      demoSlug,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.DB.WithContext(ctx).Create(&org).Error; err != nil {
		return err
	}

	raw, record, err := p.APIKeySvc.Create(ctx, apikeydomain.CreateRequest{
		OrgID:  org.ID,
		Name:   "demo",
		Scopes: []string{apikeydomain.ScopeEventsWrite, apikeydomain.ScopeUsageRead},
	})
	if err != nil {
		return err
	}

	log.Info("demo organization provisioned",
		zap.String("org_id", org.ID.String()),
		zap.String("slug", org.Slug),
		zap.String("api_key_prefix", record.Prefix),
		zap.String("api_key", raw),
	)
	return nil
}

var Module = fx.Module("seed",
	fx.Invoke(Run),
)
