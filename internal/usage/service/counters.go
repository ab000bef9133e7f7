package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	keyHourlyCounter = "counters:%s:%s:hour:%s"
	keyDailyCounter  = "counters:%s:%s:day:%s"

	hourlyCounterTTL = 48 * time.Hour
	dailyCounterTTL  = 40 * 24 * time.Hour
)

// bumpRollingCounters updates hourly and daily counters after the batch is
// durable. Fire-and-forget: callers never wait and failure never fails the
// request.
func (s *Service) bumpRollingCounters(orgID snowflake.ID, fresh []*planned) {
	if !s.cache.Ready() || len(fresh) == 0 {
		return
	}

	type bump struct {
		eventType  string
		occurredAt time.Time
		qty        float64
	}
	bumps := make([]bump, 0, len(fresh))
	for _, plan := range fresh {
		if plan.dup {
			continue
		}
		bumps = append(bumps, bump{
			eventType:  plan.record.EventType,
			occurredAt: plan.record.OccurredAt,
			qty:        plan.record.Quantity.InexactFloat64(),
		})
	}
	if len(bumps) == 0 {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		pipe := s.cache.Client().Pipeline()
		for _, b := range bumps {
			hourKey := fmt.Sprintf(keyHourlyCounter, orgID.String(), b.eventType, b.occurredAt.UTC().Format("2006010215"))
			dayKey := fmt.Sprintf(keyDailyCounter, orgID.String(), b.eventType, b.occurredAt.UTC().Format("20060102"))
			pipe.IncrByFloat(ctx, hourKey, b.qty)
			pipe.Expire(ctx, hourKey, hourlyCounterTTL)
			pipe.IncrByFloat(ctx, dayKey, b.qty)
			pipe.Expire(ctx, dayKey, dailyCounterTTL)
		}
		_, err := pipe.Exec(ctx)
		s.cache.Observe(err)
	}()
}
