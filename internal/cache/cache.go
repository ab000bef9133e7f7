// Package cache wraps the Redis fast path. The cache is a best-effort
// accelerator: every read or write through it carries a store fallback, and a
// process-wide circuit breaker short-circuits to the fallback after repeated
// failures. Nothing in here is a source of truth.
package cache

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/meterline/internal/config"
	"go.uber.org/zap"
)

// ErrUnavailable is returned by fast paths when the cache is disabled or the
// breaker is open. Callers never surface it; they take the fallback.
var ErrUnavailable = errors.New("cache unavailable")

type Cache struct {
	rdb     *redis.Client
	breaker *Breaker
	log     *zap.Logger
}

// New builds the cache client. An empty REDIS_ADDR disables the fast path
// entirely; every caller then runs its store fallback.
func New(cfg config.Config, log *zap.Logger) *Cache {
	c := &Cache{
		breaker: NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		log:     log.Named("cache"),
	}
	if cfg.RedisAddr == "" {
		c.log.Info("fast-path cache disabled, store fallback only")
		return c
	}
	c.rdb = redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
	})
	return c
}

// Ready reports whether the fast path may be attempted right now.
func (c *Cache) Ready() bool {
	return c != nil && c.rdb != nil && c.breaker.Allow()
}

// BreakerOpen reports whether the breaker has tripped.
func (c *Cache) BreakerOpen() bool {
	return c != nil && c.breaker.Open()
}

// Client exposes the raw client for fast paths that manage their own
// degradation (the rate limiter fails open instead of falling back).
func (c *Cache) Client() *redis.Client {
	if c == nil {
		return nil
	}
	return c.rdb
}

// Observe feeds a fast-path outcome into the breaker.
func (c *Cache) Observe(err error) {
	if c == nil {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		c.breaker.Failure()
		c.log.Warn("cache operation failed", zap.Error(err))
		return
	}
	c.breaker.Success()
}

// Try is the single helper every cache interaction goes through: run the fast
// path when the cache is ready, fall back to the store on any cache error.
// Cache failures never surface to callers.
func Try[T any](
	ctx context.Context,
	c *Cache,
	fast func(ctx context.Context, rdb *redis.Client) (T, error),
	fallback func(ctx context.Context) (T, error),
) (T, error) {
	if c.Ready() {
		out, err := fast(ctx, c.rdb)
		c.Observe(err)
		if err == nil {
			return out, nil
		}
	}
	return fallback(ctx)
}

// TrySet performs a best-effort cache write. Failures feed the breaker and
// are otherwise dropped.
func (c *Cache) TrySet(ctx context.Context, key, value string, ttl time.Duration) {
	if !c.Ready() {
		return
	}
	err := c.rdb.Set(ctx, key, value, ttl).Err()
	c.Observe(err)
}
