package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/smallbiznis/meterline/internal/cache"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyWindow = "ratelimit:%s:%s:%d"

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Unlimited  bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

type window struct {
	name     string
	duration time.Duration
	limit    int64
}

type LimiterParam struct {
	fx.In

	Cache *cache.Cache
	Log   *zap.Logger
}

// Limiter checks bucketed sliding windows for each granularity the policy
// configures. Reads happen before any increment so a rejected request never
// consumes capacity; the post-check increments run in one pipeline.
type Limiter struct {
	cache *cache.Cache
	log   *zap.Logger
}

func NewLimiter(p LimiterParam) *Limiter {
	return &Limiter{
		cache: p.Cache,
		log:   p.Log.Named("ratelimit"),
	}
}

func unlimited() Decision {
	return Decision{Allowed: true, Unlimited: true, Limit: math.MaxInt64, Remaining: math.MaxInt64}
}

// Admit evaluates the policy for the identifier. On cache unavailability the
// limiter fails open: rate limiting degrades, billing correctness does not
// depend on it.
func (l *Limiter) Admit(ctx context.Context, identifier string, policy *RateLimitPolicy) (Decision, error) {
	if policy.Empty() {
		return unlimited(), nil
	}
	if !l.cache.Ready() {
		return unlimited(), nil
	}

	now := time.Now().UTC()
	windows := buildWindows(policy)

	keys := make([]string, len(windows))
	starts := make([]time.Time, len(windows))
	for i, w := range windows {
		starts[i] = now.Truncate(w.duration)
		keys[i] = fmt.Sprintf(keyWindow, identifier, w.name, starts[i].Unix())
	}

	rdb := l.cache.Client()
	values, err := rdb.MGet(ctx, keys...).Result()
	if err != nil {
		l.cache.Observe(err)
		return unlimited(), nil
	}
	l.cache.Observe(nil)

	counts := make([]int64, len(windows))
	for i, v := range values {
		counts[i] = parseCount(v)
	}

	// Check phase: reject before incrementing anything.
	for i, w := range windows {
		if counts[i] >= w.limit {
			resetAt := starts[i].Add(w.duration)
			retry := time.Duration(math.Ceil(resetAt.Sub(now).Seconds())) * time.Second
			if retry < time.Second {
				retry = time.Second
			}
			return Decision{
				Allowed:    false,
				Limit:      w.limit,
				Remaining:  0,
				ResetAt:    resetAt,
				RetryAfter: retry,
			}, nil
		}
	}

	// Increment phase: all buckets in one pipeline, each bucket's TTL twice
	// its window. Only the current period's bucket is ever read.
	pipe := rdb.TxPipeline()
	for i, w := range windows {
		pipe.Incr(ctx, keys[i])
		pipe.Expire(ctx, keys[i], 2*w.duration)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		l.cache.Observe(err)
		return unlimited(), nil
	}
	l.cache.Observe(nil)

	// Report the most restrictive remaining budget.
	decision := unlimited()
	decision.Unlimited = false
	for i, w := range windows {
		remaining := w.limit - counts[i] - 1
		if remaining < 0 {
			remaining = 0
		}
		if remaining < decision.Remaining {
			decision.Remaining = remaining
			decision.Limit = w.limit
			decision.ResetAt = starts[i].Add(w.duration)
		}
	}
	return decision, nil
}

func buildWindows(policy *RateLimitPolicy) []window {
	windows := make([]window, 0, 3)
	if policy.RequestsPerSecond != nil {
		windows = append(windows, window{name: "second", duration: time.Second, limit: *policy.RequestsPerSecond})
	}
	if policy.RequestsPerMinute != nil {
		windows = append(windows, window{name: "minute", duration: time.Minute, limit: *policy.RequestsPerMinute})
	}
	if policy.RequestsPerHour != nil {
		windows = append(windows, window{name: "hour", duration: time.Hour, limit: *policy.RequestsPerHour})
	}
	return windows
}

func parseCount(v interface{}) int64 {
	switch val := v.(type) {
	case nil:
		return 0
	case string:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0
		}
		return n
	case int64:
		return val
	default:
		return 0
	}
}
