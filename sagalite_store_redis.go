package sagalite

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

// RedisStore keeps one hash per table: Set is HSET, Get is HGET, ListKeys is
// HKEYS and MultiGet is HMGET. Transient command failures are retried with
// fibonacci backoff before surfacing as a StoreError.
type RedisStore struct {
	client     redis.UniversalClient
	maxRetries uint64
	baseDelay  time.Duration
}

type RedisStoreOption func(*RedisStore)

// WithRedisRetries tunes the per-command retry budget.
func WithRedisRetries(maxRetries uint64, baseDelay time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		s.maxRetries = maxRetries
		s.baseDelay = baseDelay
	}
}

func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client:     client,
		maxRetries: 3,
		baseDelay:  50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) backoff() retry.Backoff {
	return retry.WithMaxRetries(s.maxRetries, retry.NewFibonacci(s.baseDelay))
}

func (s *RedisStore) Set(ctx context.Context, table, key string, value []byte) error {
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		if err := s.client.HSet(ctx, table, key, string(value)).Err(); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return newStoreError("set", table, key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, table, key string) ([]byte, error) {
	var value []byte
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		raw, err := s.client.HGet(ctx, table, key).Result()
		if errors.Is(err, redis.Nil) {
			value = nil
			return nil
		}
		if err != nil {
			return retry.RetryableError(err)
		}
		value = []byte(raw)
		return nil
	})
	if err != nil {
		return nil, newStoreError("get", table, key, err)
	}
	return value, nil
}

func (s *RedisStore) ListKeys(ctx context.Context, table string) ([]string, error) {
	var keys []string
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		raw, err := s.client.HKeys(ctx, table).Result()
		if err != nil {
			return retry.RetryableError(err)
		}
		keys = raw
		return nil
	})
	if err != nil {
		return nil, newStoreError("listKeys", table, "", err)
	}
	return keys, nil
}

func (s *RedisStore) MultiGet(ctx context.Context, table string, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return [][]byte{}, nil
	}

	var values [][]byte
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		raw, err := s.client.HMGet(ctx, table, keys...).Result()
		if err != nil {
			return retry.RetryableError(err)
		}
		values = make([][]byte, len(keys))
		for i, v := range raw {
			if v == nil {
				continue
			}
			if str, ok := v.(string); ok {
				values[i] = []byte(str)
			}
		}
		return nil
	})
	if err != nil {
		return nil, newStoreError("multiGet", table, "", err)
	}
	return values, nil
}

var _ Store = (*RedisStore)(nil)
