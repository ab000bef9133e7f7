package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterline/internal/cache"
	quotadomain "github.com/smallbiznis/meterline/internal/quota/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	keyCounter = "quota:%s:%s:%s"

	// Counter keys embed the period, so the TTL only needs to outlive one
	// period comfortably.
	counterTTL = 40 * 24 * time.Hour
)

// reserveScript checks the projected total against the ceiling and
// increments in the same round trip, so two concurrent writers cannot both
// see current = limit and both succeed. max < 0 means unlimited.
const reserveScript = `
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local qty = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

if max >= 0 and current + qty > max then
  return {0, tostring(current)}
end

local projected = redis.call("INCRBYFLOAT", KEYS[1], qty)
redis.call("EXPIRE", KEYS[1], ttl)
return {1, tostring(projected)}
`

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Cache *cache.Cache
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	cache   *cache.Cache
	reserve *redis.Script
}

func NewService(p ServiceParam) quotadomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("quota.service"),
		cache:   p.Cache,
		reserve: redis.NewScript(reserveScript),
	}
}

func (s *Service) CheckAndReserve(ctx context.Context, tenantID snowflake.ID, eventType string, qty decimal.Decimal, now time.Time) (quotadomain.Result, error) {
	limit, err := s.loadLimit(ctx, tenantID, eventType)
	if err != nil {
		return quotadomain.Result{}, err
	}
	if limit == nil {
		return quotadomain.Unlimited(decimal.Zero, qty), nil
	}
	return s.reservePair(ctx, *limit, qty, now)
}

type reservation struct {
	limit quotadomain.QuotaLimit
	qty   decimal.Decimal
}

func (s *Service) CheckAndReserveBatch(ctx context.Context, demands []quotadomain.Demand, now time.Time) ([]quotadomain.Violation, error) {
	var held []reservation

	for i, demand := range demands {
		limit, err := s.loadLimit(ctx, demand.TenantID, demand.EventType)
		if err != nil {
			s.releaseAll(ctx, held)
			return nil, err
		}
		if limit == nil {
			continue
		}

		result, err := s.reservePair(ctx, *limit, demand.Quantity, now)
		if err != nil {
			s.releaseAll(ctx, held)
			return nil, err
		}
		if !result.Allowed {
			// All-or-nothing: hand back what the batch already took, then
			// report every violating pair, not just the first.
			s.releaseAll(ctx, held)
			violations := []quotadomain.Violation{{
				TenantID:  demand.TenantID,
				EventType: demand.EventType,
				Result:    result,
			}}
			violations = append(violations, s.inspectRemainder(ctx, demands[i+1:], now)...)
			return violations, nil
		}
		held = append(held, reservation{limit: *limit, qty: demand.Quantity})
	}

	// Held reservations stand; the recorder persists the batch next.
	return nil, nil
}

func (s *Service) Release(ctx context.Context, tenantID snowflake.ID, eventType string, qty decimal.Decimal, now time.Time) {
	limit, err := s.loadLimit(ctx, tenantID, eventType)
	if err != nil || limit == nil {
		return
	}
	s.releaseCounter(ctx, *limit, qty)
}

func (s *Service) reservePair(ctx context.Context, limit quotadomain.QuotaLimit, qty decimal.Decimal, now time.Time) (quotadomain.Result, error) {
	ceiling, unlimited := limit.Ceiling(now)
	maxArg := "-1"
	if !unlimited {
		maxArg = ceiling.String()
	}

	key := counterKey(limit)

	return cache.Try(ctx, s.cache,
		func(ctx context.Context, rdb *redis.Client) (quotadomain.Result, error) {
			res, err := s.reserve.Run(ctx, rdb, []string{key}, qty.String(), maxArg, int(counterTTL.Seconds())).Slice()
			if err != nil {
				return quotadomain.Result{}, err
			}
			if len(res) < 2 {
				return quotadomain.Result{}, fmt.Errorf("unexpected reserve script response")
			}
			allowed := asInt(res[0]) == 1
			total := asDecimal(res[1])

			if allowed {
				result := limit.Evaluate(total.Sub(qty), qty, now)
				result.Allowed = true
				return result, nil
			}
			result := limit.Evaluate(total, qty, now)
			result.Allowed = false
			return result, nil
		},
		func(ctx context.Context) (quotadomain.Result, error) {
			// Store fallback: the durable event sum is current; the insert
			// that follows an allow is the reservation.
			current, err := s.storedTotal(ctx, limit)
			if err != nil {
				return quotadomain.Result{}, err
			}
			return limit.Evaluate(current, qty, now), nil
		},
	)
}

// inspectRemainder evaluates the rest of a failed batch without reserving,
// so the caller can report the complete violation set.
func (s *Service) inspectRemainder(ctx context.Context, demands []quotadomain.Demand, now time.Time) []quotadomain.Violation {
	var violations []quotadomain.Violation
	for _, demand := range demands {
		limit, err := s.loadLimit(ctx, demand.TenantID, demand.EventType)
		if err != nil || limit == nil {
			continue
		}
		current, err := s.currentTotal(ctx, *limit)
		if err != nil {
			continue
		}
		result := limit.Evaluate(current, demand.Quantity, now)
		if !result.Allowed {
			violations = append(violations, quotadomain.Violation{
				TenantID:  demand.TenantID,
				EventType: demand.EventType,
				Result:    result,
			})
		}
	}
	return violations
}

func (s *Service) releaseAll(ctx context.Context, held []reservation) {
	for _, h := range held {
		s.releaseCounter(ctx, h.limit, h.qty)
	}
}

func (s *Service) releaseCounter(ctx context.Context, limit quotadomain.QuotaLimit, qty decimal.Decimal) {
	if !s.cache.Ready() {
		return
	}
	err := s.cache.Client().IncrByFloat(ctx, counterKey(limit), -qty.InexactFloat64()).Err()
	s.cache.Observe(err)
}

// currentTotal reads the pair's running total without reserving.
func (s *Service) currentTotal(ctx context.Context, limit quotadomain.QuotaLimit) (decimal.Decimal, error) {
	return cache.Try(ctx, s.cache,
		func(ctx context.Context, rdb *redis.Client) (decimal.Decimal, error) {
			raw, err := rdb.Get(ctx, counterKey(limit)).Result()
			if err == redis.Nil {
				return decimal.Zero, nil
			}
			if err != nil {
				return decimal.Zero, err
			}
			return decimal.NewFromString(raw)
		},
		func(ctx context.Context) (decimal.Decimal, error) {
			return s.storedTotal(ctx, limit)
		},
	)
}

// storedTotal sums durable events ingested since the period started. Quota
// is admission accounting, so the ingest time governs, not the event
// timestamp.
func (s *Service) storedTotal(ctx context.Context, limit quotadomain.QuotaLimit) (decimal.Decimal, error) {
	var raw decimal.NullDecimal
	err := s.db.WithContext(ctx).Raw(
		`SELECT SUM(quantity)
		 FROM usage_events
		 WHERE tenant_id = ? AND event_type = ? AND created_at >= ?`,
		limit.TenantID,
		limit.EventType,
		limit.ResetAt.UTC(),
	).Scan(&raw).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !raw.Valid {
		return decimal.Zero, nil
	}
	return raw.Decimal, nil
}

func (s *Service) loadLimit(ctx context.Context, tenantID snowflake.ID, eventType string) (*quotadomain.QuotaLimit, error) {
	var row quotadomain.QuotaLimit
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND event_type = ?", tenantID, eventType).
		First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func counterKey(limit quotadomain.QuotaLimit) string {
	return fmt.Sprintf(keyCounter, limit.TenantID.String(), limit.EventType, limit.Period())
}

func asInt(v interface{}) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case string:
		if val == "1" {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func asDecimal(v interface{}) decimal.Decimal {
	switch val := v.(type) {
	case string:
		d, err := decimal.NewFromString(val)
		if err != nil {
			return decimal.Zero
		}
		return d
	case int64:
		return decimal.NewFromInt(val)
	default:
		return decimal.Zero
	}
}
