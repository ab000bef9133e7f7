package service

import (
	"context"
	"time"

	subscriptiondomain "github.com/smallbiznis/meterline/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewService(p ServiceParam) *Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),
	}
}

// ApplyStatus records the PSP-reported status for the referenced
// subscription. Unknown references are logged and dropped so the PSP does
// not retry forever.
func (s *Service) ApplyStatus(ctx context.Context, externalRef string, status subscriptiondomain.SubscriptionStatus) error {
	if !subscriptiondomain.ValidStatus(status) {
		return subscriptiondomain.ErrInvalidStatus
	}

	result := s.db.WithContext(ctx).Model(&subscriptiondomain.Subscription{}).
		Where("external_ref = ?", externalRef).
		Updates(map[string]any{
			"status":     status,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		s.log.Warn("webhook for unknown subscription",
			zap.String("external_ref", externalRef),
			zap.String("status", string(status)),
		)
	}
	return nil
}
