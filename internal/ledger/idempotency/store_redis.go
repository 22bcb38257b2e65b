package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"spendvault/pkg/platform/sentinel"
)

const keyPrefix = "spendvault:idem:"

// RedisStore is the replay cache for multi-instance deployments; retention is
// enforced by key TTL.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedis constructs a redis-backed replay cache.
func NewRedis(client *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, retention: retention}
}

func (s *RedisStore) Remember(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency get: %v: %w", err, sentinel.ErrUnavailable)
	}
	return val, true, nil
}

func (s *RedisStore) Record(ctx context.Context, key string, response []byte) error {
	if err := s.client.Set(ctx, keyPrefix+key, response, s.retention).Err(); err != nil {
		return fmt.Errorf("idempotency set: %v: %w", err, sentinel.ErrUnavailable)
	}
	return nil
}
