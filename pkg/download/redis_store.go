package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore shares tokens across instances. The record is a JSON string under
// {prefix}:{hash}; consumption is a SETNX on {prefix}:{hash}:used so exactly one
// caller wins.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed token store
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "auditkeep:download"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) recordKey(hash string) string {
	return fmt.Sprintf("%s:%s", s.prefix, hash)
}

func (s *RedisStore) usedKey(hash string) string {
	return fmt.Sprintf("%s:%s:used", s.prefix, hash)
}

func (s *RedisStore) Put(ctx context.Context, hash string, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal token record: %w", err)
	}
	if err := s.client.Set(ctx, s.recordKey(hash), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, hash string) (Record, time.Duration, error) {
	key := s.recordKey(hash)
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, 0, ErrTokenNotFound
	} else if err != nil {
		return Record{}, 0, fmt.Errorf("redis get failed: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.client.Del(ctx, key)
		return Record{}, 0, fmt.Errorf("failed to unmarshal token record: %w", err)
	}

	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return Record{}, 0, fmt.Errorf("redis pttl failed: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Until(rec.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Minute
		}
	}
	return rec, ttl, nil
}

func (s *RedisStore) Peek(ctx context.Context, hash string) (Record, error) {
	rec, _, err := s.get(ctx, hash)
	if err != nil {
		return Record{}, err
	}
	used, err := s.client.Exists(ctx, s.usedKey(hash)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("redis exists failed: %w", err)
	}
	if used > 0 {
		rec.Consumed = true
		return rec, ErrTokenConsumed
	}
	return rec, nil
}

func (s *RedisStore) Consume(ctx context.Context, hash string) (Record, error) {
	rec, ttl, err := s.get(ctx, hash)
	if err != nil {
		return Record{}, err
	}

	won, err := s.client.SetNX(ctx, s.usedKey(hash), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return Record{}, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !won {
		rec.Consumed = true
		return rec, ErrTokenConsumed
	}
	rec.Consumed = true
	return rec, nil
}

func (s *RedisStore) Revoke(ctx context.Context, hash string) error {
	_, ttl, err := s.get(ctx, hash)
	if err != nil {
		return err
	}
	if err := s.client.SetNX(ctx, s.usedKey(hash), "revoked", ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	return nil
}
