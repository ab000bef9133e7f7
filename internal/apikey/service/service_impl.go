package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/smallbiznis/meterline/internal/apikey/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
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

func NewService(p ServiceParam) apikeydomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("apikey.service"),
		genID: p.GenID,
	}
}

func (s *Service) Validate(ctx context.Context, bearer string) (apikeydomain.Identity, error) {
	bearer = strings.TrimSpace(bearer)
	if !apikeydomain.HasKeyPrefix(bearer) {
		return apikeydomain.Identity{}, apikeydomain.ErrInvalidKey
	}

	hash := apikeydomain.HashAPIKey(bearer)

	var record apikeydomain.APIKey
	err := s.db.WithContext(ctx).
		Where("key_hash = ?", hash).
		First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return apikeydomain.Identity{}, apikeydomain.ErrInvalidKey
		}
		return apikeydomain.Identity{}, err
	}

	now := time.Now().UTC()
	if record.RevokedAt != nil {
		return apikeydomain.Identity{}, apikeydomain.ErrKeyRevoked
	}
	if record.ExpiresAt != nil && record.ExpiresAt.Before(now) {
		return apikeydomain.Identity{}, apikeydomain.ErrKeyExpired
	}

	s.touchLastUsed(record.ID, now)

	scopes := make([]string, 0, len(record.Scopes))
	scopes = append(scopes, record.Scopes...)
	return apikeydomain.Identity{
		KeyID:  record.ID,
		OrgID:  record.OrgID,
		Scopes: scopes,
	}, nil
}

// touchLastUsed updates last_used_at off the request path. Failure is logged
// and dropped; it must never block or fail a request.
func (s *Service) touchLastUsed(keyID snowflake.ID, now time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.db.WithContext(ctx).Model(&apikeydomain.APIKey{}).
			Where("id = ?", keyID).
			Update("last_used_at", now).Error
		if err != nil {
			s.log.Warn("last_used_at update failed",
				zap.Error(err),
				zap.String("key_id", keyID.String()),
			)
		}
	}()
}

func (s *Service) Create(ctx context.Context, req apikeydomain.CreateRequest) (string, *apikeydomain.APIKey, error) {
	raw, hash, display, err := apikeydomain.GenerateKey()
	if err != nil {
		return "", nil, err
	}

	now := time.Now().UTC()
	record := &apikeydomain.APIKey{
		ID:        s.genID.Generate(),
		OrgID:     req.OrgID,
		Name:      strings.TrimSpace(req.Name),
		Prefix:    display,
		KeyHash:   hash,
		Scopes:    req.Scopes,
		ExpiresAt: req.ExpiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return "", nil, err
	}
	return raw, record, nil
}

func (s *Service) Revoke(ctx context.Context, orgID, keyID snowflake.ID) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&apikeydomain.APIKey{}).
		Where("org_id = ? AND id = ? AND revoked_at IS NULL", orgID, keyID).
		Updates(map[string]any{
			"revoked_at": now,
			"updated_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apikeydomain.ErrInvalidKey
	}
	return nil
}
