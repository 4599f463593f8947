// Package dedup provides Redis-backed seen-markers for inbound chat events
// and the cross-instance sweep lock. Both are fast paths: the Postgres
// unique constraint and the in-process mutex carry correctness when Redis
// is not configured.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore marks inbound message timestamps as seen and arbitrates the
// escalation sweep lock.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed dedup store.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "tether:"}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "tether:"}
}

// MarkSeen records a source message timestamp. Returns true when this call
// was the first sighting, false when the marker already existed.
func (s *RedisStore) MarkSeen(ctx context.Context, sourceMessageTS string, ttl time.Duration) (bool, error) {
	key := s.prefix + "seen:" + sourceMessageTS
	first, err := s.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark seen: %w", err)
	}
	return first, nil
}

// Unsee removes a seen-marker, used when processing after the marker failed
// so the next delivery attempt is not silently dropped.
func (s *RedisStore) Unsee(ctx context.Context, sourceMessageTS string) error {
	key := s.prefix + "seen:" + sourceMessageTS
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("unsee: %w", err)
	}
	return nil
}

// AcquireSweepLock takes the named sweep lock for ttl. Returns false when
// another instance holds it; the caller skips the tick.
func (s *RedisStore) AcquireSweepLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	key := s.prefix + "sweep:" + name
	acquired, err := s.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire sweep lock: %w", err)
	}
	return acquired, nil
}

// ReleaseSweepLock drops the named sweep lock early.
func (s *RedisStore) ReleaseSweepLock(ctx context.Context, name string) error {
	key := s.prefix + "sweep:" + name
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("release sweep lock: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
