package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces response-cache keys in the shared store.
const redisKeyPrefix = "resp:"

// RedisStore is the shared Store variant. Entries are JSON documents with
// the backend enforcing expiry at the grace boundary, so a shared store
// never serves beyond-grace data even if the process that wrote it died.
// Exact hit/miss counters are process-local; size comes from the backend.
type RedisStore struct {
	client *redis.Client

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Ping verifies backend connectivity; used at startup classification.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get reads and decodes the entry for key.
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		s.misses.Add(1)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// Undecodable blob: self-heal by dropping it.
		s.client.Del(ctx, redisKeyPrefix+key)
		s.misses.Add(1)
		return nil, nil
	}
	s.hits.Add(1)
	return &entry, nil
}

// Set writes the entry with backend-enforced TTL at the grace boundary.
func (s *RedisStore) Set(ctx context.Context, key string, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis set encode: %w", err)
	}
	ttl := time.Until(e.StaleUntil)
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Invalidate removes every key matching the prefix via cursor scan, so a
// large keyspace never blocks the backend.
func (s *RedisStore) Invalidate(ctx context.Context, prefix string) (int, error) {
	var cursor uint64
	removed := 0
	pattern := redisKeyPrefix + prefix + "*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return removed, fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("redis del: %w", err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Stats surfaces backend size when reachable; hit/miss counters are
// synthetic (process-local) since the backend is shared.
func (s *RedisStore) Stats(ctx context.Context) Stats {
	st := Stats{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
	}
	size, err := s.client.DBSize(ctx).Result()
	if err != nil {
		st.Degraded = true
		return st
	}
	st.Size = size
	return st
}

// Close releases the client connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
