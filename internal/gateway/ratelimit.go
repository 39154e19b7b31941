package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RateLimiter is a Redis-backed fixed-window request limiter. A failing
// Redis fails open: limiting is protection, not correctness.
type RateLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	log    *logrus.Entry
}

// NewRateLimiter creates a limiter allowing limit requests per window.
func NewRateLimiter(rdb *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
		log:    logrus.WithField("component", "ratelimit"),
	}
}

// Allow reports whether a request under key may proceed.
func (rl *RateLimiter) Allow(ctx context.Context, key string) bool {
	window := time.Now().Unix() / int64(rl.window.Seconds())
	redisKey := fmt.Sprintf("ratelimit:%s:%d", key, window)

	pipe := rl.rdb.TxPipeline()
	count := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.log.WithError(err).Warn("rate limit check failed, allowing request")
		return true
	}

	return count.Val() <= int64(rl.limit)
}
