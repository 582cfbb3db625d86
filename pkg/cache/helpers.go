package cache

import (
	"context"
	"time"

	"github.com/jingkaihe/agentry/pkg/logger"
)

// GetAs fetches key from c and asserts its type. A nil cache, a miss and a
// value of the wrong type all report false.
func GetAs[T any](c Cache, key string) (T, bool) {
	var zero T
	if c == nil {
		return zero, false
	}
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// Put stores value and logs instead of failing; callers recompute on the
// next miss anyway.
func Put(ctx context.Context, c Cache, key string, value any, ttl time.Duration) {
	if c == nil {
		return
	}
	if err := c.Set(key, value, ttl); err != nil {
		logger.G(ctx).WithError(err).WithField("key", key).Warn("failed to cache value")
	}
}

// Drop removes every key matching pattern, logging a bad pattern.
func Drop(ctx context.Context, c Cache, pattern string) int {
	if c == nil {
		return 0
	}
	n, err := c.Invalidate(pattern)
	if err != nil {
		logger.G(ctx).WithError(err).WithField("pattern", pattern).Warn("failed to invalidate cache keys")
	}
	return n
}
