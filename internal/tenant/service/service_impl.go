package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	tenantdomain "github.com/smallbiznis/meterline/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p ServiceParam) tenantdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("tenant.service"),
		genID: p.GenID,
	}
}

// Resolve performs a batched find-or-create. One lookup for existing rows,
// one insert-on-conflict for the missing set, one re-read to pick up rows a
// concurrent writer won. The unique (org_id, external_id) constraint keeps
// racing ingesters on a single row.
func (s *Service) Resolve(ctx context.Context, orgID snowflake.ID, externalIDs []string) (map[string]snowflake.ID, error) {
	if orgID == 0 {
		return nil, tenantdomain.ErrInvalidOrganization
	}

	wanted := make([]string, 0, len(externalIDs))
	seen := make(map[string]struct{}, len(externalIDs))
	for _, id := range externalIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, tenantdomain.ErrInvalidExternalID
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		wanted = append(wanted, id)
	}
	if len(wanted) == 0 {
		return map[string]snowflake.ID{}, nil
	}

	resolved := make(map[string]snowflake.ID, len(wanted))
	if err := s.collect(ctx, orgID, wanted, resolved); err != nil {
		return nil, err
	}

	missing := make([]string, 0)
	for _, id := range wanted {
		if _, ok := resolved[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return resolved, nil
	}

	now := time.Now().UTC()
	rows := make([]tenantdomain.Tenant, 0, len(missing))
	for _, externalID := range missing {
		rows = append(rows, tenantdomain.Tenant{
			ID:         s.genID.Generate(),
			OrgID:      orgID,
			ExternalID: externalID,
			Name:       externalID,
			Status:     tenantdomain.TenantStatusActive,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}, {Name: "external_id"}},
			DoNothing: true,
		}).
		Create(&rows).Error
	if err != nil {
		return nil, err
	}

	if err := s.collect(ctx, orgID, missing, resolved); err != nil {
		return nil, err
	}
	return resolved, nil
}

func (s *Service) collect(ctx context.Context, orgID snowflake.ID, externalIDs []string, into map[string]snowflake.ID) error {
	var rows []tenantdomain.Tenant
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND external_id IN ?", orgID, externalIDs).
		Find(&rows).Error
	if err != nil {
		return err
	}
	for _, row := range rows {
		into[row.ExternalID] = row.ID
	}
	return nil
}

func (s *Service) ListActive(ctx context.Context, afterID snowflake.ID, limit int) ([]tenantdomain.Tenant, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []tenantdomain.Tenant
	err := s.db.WithContext(ctx).
		Where("status = ? AND id > ?", tenantdomain.TenantStatusActive, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (s *Service) Transition(ctx context.Context, orgID, tenantID snowflake.ID, next tenantdomain.TenantStatus) error {
	var row tenantdomain.Tenant
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, tenantID).
		First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return tenantdomain.ErrNotFound
		}
		return err
	}
	if !row.CanTransition(next) {
		return tenantdomain.ErrInvalidTransition
	}
	return s.db.WithContext(ctx).Model(&tenantdomain.Tenant{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{
			"status":     next,
			"updated_at": time.Now().UTC(),
		}).Error
}
