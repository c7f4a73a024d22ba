package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLimiter(t *testing.T, cfg RateLimitConfig) (*DistributedRateLimiter, *miniredis.Miniredis, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := newClock()
	rl := NewDistributedRateLimiter(client, cfg, "test")
	rl.now = c.Now
	return rl, mr, c
}

func TestDistributedRateLimiter_SlidingWindow(t *testing.T) {
	ctx := context.Background()
	rl, mr, c := newRedisLimiter(t, ExportRateLimitConfig())

	for i := 0; i < 5; i++ {
		d, err := rl.Allow(ctx, "export:org-1:u1")
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, 4-i, d.Remaining)
		c.Advance(time.Minute)
	}

	d, err := rl.Allow(ctx, "export:org-1:u1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 55*time.Minute, d.RetryAfter)

	members, err := mr.ZMembers("test:export:org-1:u1")
	require.NoError(t, err)
	assert.Len(t, members, 5, "the rejected hit was removed")

	c.Advance(55 * time.Minute)
	d, err = rl.Allow(ctx, "export:org-1:u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestDistributedRateLimiter_SharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	first, mr, c := newRedisLimiter(t, RateLimitConfig{Limit: 2, Window: time.Minute})

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	second := NewDistributedRateLimiter(client, RateLimitConfig{Limit: 2, Window: time.Minute}, "test")
	second.now = c.Now

	d, _ := first.Allow(ctx, "k")
	require.True(t, d.Allowed)
	d, _ = second.Allow(ctx, "k")
	require.True(t, d.Allowed)
	d, err := first.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestDistributedRateLimiter_ResetAndErrors(t *testing.T) {
	ctx := context.Background()
	rl, mr, _ := newRedisLimiter(t, RateLimitConfig{Limit: 1, Window: time.Minute})

	d, _ := rl.Allow(ctx, "k")
	require.True(t, d.Allowed)
	require.NoError(t, rl.Reset(ctx, "k"))
	d, _ = rl.Allow(ctx, "k")
	assert.True(t, d.Allowed)

	mr.Close()
	_, err := rl.Allow(ctx, "k")
	assert.Error(t, err)
}

func TestNewDistributedRateLimiter_DefaultPrefix(t *testing.T) {
	rl := NewDistributedRateLimiter(nil, RateLimitConfig{}, "")
	assert.Equal(t, "ratelimit:k", rl.key("k"))
}
