package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// DistributedRateLimiter is a sliding window log kept in a Redis sorted set, so the
// limit is shared across every instance. Each hit is a member scored by its
// timestamp in milliseconds.
type DistributedRateLimiter struct {
	redis  *redis.Client
	config RateLimitConfig
	prefix string
	now    func() time.Time
}

// NewDistributedRateLimiter creates a Redis-backed limiter
func NewDistributedRateLimiter(redisClient *redis.Client, config RateLimitConfig, prefix string) *DistributedRateLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &DistributedRateLimiter{
		redis:  redisClient,
		config: config.normalize(),
		prefix: prefix,
		now:    time.Now,
	}
}

func (rl *DistributedRateLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", rl.prefix, key)
}

// Allow adds a hit and keeps it only if the window still had room
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := rl.key(key)
	now := rl.now()
	nowMs := now.UnixMilli()
	cutoff := nowMs - rl.config.Window.Milliseconds()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	pipe := rl.redis.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, redisKey, &redis.Z{Score: float64(nowMs), Member: member})
	card := pipe.ZCard(ctx, redisKey)
	pipe.PExpire(ctx, redisKey, rl.config.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("redis error: %w", err)
	}

	count := int(card.Val())
	d := Decision{Limit: rl.config.Limit}
	if count <= rl.config.Limit {
		d.Allowed = true
		d.Remaining = rl.config.Limit - count
		return d, nil
	}

	// over the limit: the rejected hit must not count against later requests
	if err := rl.redis.ZRem(ctx, redisKey, member).Err(); err != nil {
		return Decision{}, fmt.Errorf("redis error: %w", err)
	}
	oldest, err := rl.redis.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis error: %w", err)
	}
	d.RetryAfter = rl.config.Window
	if len(oldest) == 1 {
		expires := time.UnixMilli(int64(oldest[0].Score)).Add(rl.config.Window)
		d.RetryAfter = expires.Sub(now)
	}
	return d, nil
}

// Reset clears the window of key
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.key(key)).Err()
}
