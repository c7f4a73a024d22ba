package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClient(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := DefaultConfig()
	cfg.RedisURL = "redis://" + mr.Addr()

	client, err := NewRedisClient(context.Background(), cfg)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Set(context.Background(), "k", "v", time.Minute).Err())
	assert.True(t, mr.Exists("k"))
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	cfg := DefaultConfig()
	cfg.RedisURL = "redis://" + addr
	_, err = NewRedisClient(context.Background(), cfg)
	assert.ErrorContains(t, err, "failed to connect to redis")
}

func TestRedisOptions(t *testing.T) {
	cfg := Config{
		RedisURL:        "redis://:urlpass@cache:6380/1",
		RedisMaxRetries: 5,
		RedisPoolSize:   32,
	}
	opts, err := RedisOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "urlpass", opts.Password)
	assert.Equal(t, 1, opts.DB)
	assert.Equal(t, 5, opts.MaxRetries)
	assert.Equal(t, 32, opts.PoolSize)
	assert.Equal(t, 3*time.Second, opts.ReadTimeout)

	cfg.RedisPassword = "override"
	cfg.RedisDB = 4
	opts, err = RedisOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, "override", opts.Password)
	assert.Equal(t, 4, opts.DB)

	_, err = RedisOptions(Config{RedisURL: "not a url"})
	assert.Error(t, err)
}
