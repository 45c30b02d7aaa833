package server

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// redisStore is a fixed-window counter shared by every API replica. Each key
// counts hits with INCR and expires after one window.
type redisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

func newRedisStore(client redis.UniversalClient, timeout time.Duration) *redisStore {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &redisStore{client: client, timeout: timeout}
}

func (s *redisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	if count == 1 {
		if window < time.Second {
			window = time.Second
		}
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, fmt.Errorf("redis expire %s: %w", key, err)
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis ttl %s: %w", key, err)
	}
	if ttl < 0 {
		// Keys left without an expiry start a fresh window.
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, fmt.Errorf("redis expire %s: %w", key, err)
		}
		ttl = window
	}
	return false, ttl, nil
}
