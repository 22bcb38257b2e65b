//go:build integration

package idempotency_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"spendvault/internal/ledger/idempotency"
	"spendvault/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *idempotency.RedisStore
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.store = idempotency.NewRedis(s.redis.Client, time.Hour)
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisStoreSuite) TestRememberAndRecord() {
	ctx := context.Background()

	s.Run("miss on unknown key", func() {
		_, ok, err := s.store.Remember(ctx, "redis-missing")
		s.Require().NoError(err)
		s.False(ok)
	})

	s.Run("hit returns the recorded response", func() {
		s.Require().NoError(s.store.Record(ctx, "redis-1", []byte(`{"spent":"30"}`)))

		resp, ok, err := s.store.Remember(ctx, "redis-1")
		s.Require().NoError(err)
		s.True(ok)
		s.JSONEq(`{"spent":"30"}`, string(resp))
	})

	s.Run("re-record overwrites", func() {
		s.Require().NoError(s.store.Record(ctx, "redis-2", []byte("first")))
		s.Require().NoError(s.store.Record(ctx, "redis-2", []byte("second")))

		resp, ok, err := s.store.Remember(ctx, "redis-2")
		s.Require().NoError(err)
		s.Require().True(ok)
		s.Equal("second", string(resp))
	})
}

func (s *RedisStoreSuite) TestRetentionTTL() {
	ctx := context.Background()
	short := idempotency.NewRedis(s.redis.Client, time.Second)

	s.Require().NoError(short.Record(ctx, "redis-ttl", []byte("resp")))

	_, ok, err := short.Remember(ctx, "redis-ttl")
	s.Require().NoError(err)
	s.True(ok)

	s.Eventually(func() bool {
		_, ok, err := short.Remember(ctx, "redis-ttl")
		return err == nil && !ok
	}, 3*time.Second, 100*time.Millisecond)
}
