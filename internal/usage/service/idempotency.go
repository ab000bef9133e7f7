package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
)

const keyIdempotency = "idem:%s:%s"

// classify finds previously accepted events for the given keys. Fast-path
// cache first, store for the rest; anything found only in the store warms
// the cache. The unique (org_id, idempotency_key) constraint remains the
// ultimate guarantor for races that slip past this filter.
func (s *Service) classify(ctx context.Context, orgID snowflake.ID, keys []string) (map[string]snowflake.ID, error) {
	out := make(map[string]snowflake.ID, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	unique := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, k)
	}

	missing := unique
	if s.cache.Ready() {
		cacheKeys := make([]string, len(unique))
		for i, k := range unique {
			cacheKeys[i] = fmt.Sprintf(keyIdempotency, orgID.String(), k)
		}
		values, err := s.cache.Client().MGet(ctx, cacheKeys...).Result()
		s.cache.Observe(err)
		if err == nil {
			missing = make([]string, 0, len(unique))
			for i, v := range values {
				raw, ok := v.(string)
				if !ok {
					missing = append(missing, unique[i])
					continue
				}
				id, parseErr := snowflake.ParseString(raw)
				if parseErr != nil || id == 0 {
					missing = append(missing, unique[i])
					continue
				}
				out[unique[i]] = id
			}
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	var rows []usagedomain.UsageEvent
	err := s.db.WithContext(ctx).
		Select("id", "idempotency_key").
		Where("org_id = ? AND idempotency_key IN ?", orgID, missing).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.IdempotencyKey == nil {
			continue
		}
		out[*row.IdempotencyKey] = row.ID
		s.cache.TrySet(ctx,
			fmt.Sprintf(keyIdempotency, orgID.String(), *row.IdempotencyKey),
			row.ID.String(),
			s.cfg.IdempotencyTTL,
		)
	}
	return out, nil
}

// warmIdempotencyCache records fresh keyed events, best-effort.
func (s *Service) warmIdempotencyCache(ctx context.Context, orgID snowflake.ID, fresh []*planned) {
	for _, plan := range fresh {
		if plan.dup || plan.record.IdempotencyKey == nil {
			continue
		}
		s.cache.TrySet(ctx,
			fmt.Sprintf(keyIdempotency, orgID.String(), *plan.record.IdempotencyKey),
			plan.record.ID.String(),
			s.cfg.IdempotencyTTL,
		)
	}
}
