package ratelimit

import (
	"context"
	"time"

	"labforge/internal/common/cache"
	pkgerrors "labforge/pkg/errors"
)

const defaultRedisTimeout = 500 * time.Millisecond

// RedisLimiter enforces fixed windows shared by every node through Redis.
type RedisLimiter struct {
	cache        cache.BasicOps
	cfg          Config
	prefix       string
	redisTimeout time.Duration
}

// NewRedisLimiter creates a limiter storing counters under prefix+key.
func NewRedisLimiter(cacheClient cache.BasicOps, cfg Config, prefix string, redisTimeout time.Duration) *RedisLimiter {
	if redisTimeout <= 0 {
		redisTimeout = defaultRedisTimeout
	}
	return &RedisLimiter{
		cache:        cacheClient,
		cfg:          cfg.withDefaults(),
		prefix:       prefix,
		redisTimeout: redisTimeout,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.cache == nil {
		return false, pkgerrors.New(pkgerrors.ServiceUnavailable).WithMessage("rate limit cache is unavailable")
	}
	ctxCache, cancel := context.WithTimeout(ctx, l.redisTimeout)
	defer cancel()

	redisKey := l.prefix + key
	acquired, err := l.cache.SetNX(ctxCache, redisKey, 1, l.cfg.Window)
	if err != nil {
		return false, pkgerrors.Wrapf(err, pkgerrors.ServiceUnavailable, "rate limit check failed")
	}
	if acquired {
		return true, nil
	}

	count, err := l.cache.Incr(ctxCache, redisKey)
	if err != nil {
		return false, pkgerrors.Wrapf(err, pkgerrors.ServiceUnavailable, "rate limit check failed")
	}
	// A key without TTL would never reset; repair it.
	ttl, ttlErr := l.cache.TTL(ctxCache, redisKey)
	if ttlErr == nil && ttl <= 0 {
		_ = l.cache.Expire(ctxCache, redisKey, l.cfg.Window)
	}
	return int(count) <= l.cfg.MaxAttempts, nil
}

var (
	_ Limiter = (*MemoryLimiter)(nil)
	_ Limiter = (*RedisLimiter)(nil)
)
