package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"spiko-billing/internal/infra/metrics"
)

// RateLimiter counts calls per key in fixed windows. The window starts with
// the first call and the counter key expires with it.
type RateLimiter struct {
	client RedisClient
}

func NewRateLimiter(client RedisClient) *RateLimiter {
	return &RateLimiter{client: client}
}

// Allow reports whether one more call fits under limit for key. A limit of
// zero or less disables limiting.
func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	n, err := r.client.Incr(ctx, key)
	if err != nil {
		return false, fmt.Errorf("rate limit incr: %w", err)
	}
	if n == 1 {
		if err := r.client.Expire(ctx, key, window); err != nil {
			// a counter without ttl would block the caller forever
			_ = r.client.Del(ctx, key)
			return false, fmt.Errorf("rate limit expire: %w", err)
		}
	}
	if n > int64(limit) {
		metrics.IncRateLimitTriggered(scope(key))
		return false, nil
	}
	return true, nil
}

// scope is the last segment of a "rate_limit:<id>:<action>" key.
func scope(key string) string {
	if i := strings.LastIndexByte(key, ':'); i >= 0 {
		return key[i+1:]
	}
	return key
}
