package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists cache entries in Redis so multiple daemon instances
// share one warm cache. Entries self-expire at the end of the stale window;
// freshness inside the window is still judged from the stored metadata.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing Redis client. The prefix namespaces keys,
// e.g. "courtedge:cache:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "courtedge:cache:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Get returns the entry for key if present.
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// Corrupt entry: drop it and report a miss.
		s.client.Del(ctx, s.prefix+key)
		return nil, false, nil
	}
	return &e, true, nil
}

// Set stores the entry with a hard Redis expiry at ttl+staleTTL.
func (s *RedisStore) Set(ctx context.Context, key string, entry *Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry %s: %w", key, err)
	}

	expiry := entry.TTL + entry.StaleTTL
	if expiry <= 0 {
		expiry = time.Minute
	}
	if err := s.client.Set(ctx, s.prefix+key, raw, expiry).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes the entry for key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
