package ratings

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	liveKey    = "ratings:live"
	stagingKey = "ratings:staging"
	metaKey    = "ratings:meta"

	// flushBatch bounds the pipeline size while staging.
	flushBatch = 10000
)

// RedisStore is the shared ratings variant: one hash for the live record
// set, a small metadata hash for the import state, and a staging hash that
// is renamed over the live key at commit. RENAME is atomic on the backend,
// which gives the same single-visible-transition guarantee as the memory
// store's pointer swap.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Ping verifies backend connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Lookup reads one record from the live hash.
func (s *RedisStore) Lookup(ctx context.Context, id string) (Record, bool, error) {
	raw, err := s.client.HGet(ctx, liveKey, id).Result()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("ratings hget: %w", err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// LookupMany reads a batch with one HMGET; the single command executes
// atomically on the backend so the result is one consistent snapshot.
func (s *RedisStore) LookupMany(ctx context.Context, ids []string) (map[string]Record, error) {
	if len(ids) == 0 {
		return map[string]Record{}, nil
	}
	vals, err := s.client.HMGet(ctx, liveKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("ratings hmget: %w", err)
	}
	out := make(map[string]Record, len(ids))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			continue
		}
		out[ids[i]] = rec
	}
	return out, nil
}

// BeginImport clears any stale staging hash and opens a new one.
func (s *RedisStore) BeginImport(ctx context.Context) (Staging, error) {
	if err := s.client.Del(ctx, stagingKey).Err(); err != nil {
		return nil, fmt.Errorf("ratings staging clear: %w", err)
	}
	return &redisStaging{
		store:  s,
		buffer: make(map[string]string, flushBatch),
	}, nil
}

// State reads the metadata hash.
func (s *RedisStore) State(ctx context.Context) (ImportState, error) {
	vals, err := s.client.HGetAll(ctx, metaKey).Result()
	if err != nil {
		return ImportState{}, fmt.Errorf("ratings meta: %w", err)
	}
	var state ImportState
	state.ETag = vals["etag"]
	if ts := vals["last_import"]; ts != "" {
		if unix, err := strconv.ParseInt(ts, 10, 64); err == nil {
			state.LastImport = time.Unix(unix, 0)
		}
	}
	if c := vals["count"]; c != "" {
		state.Count, _ = strconv.Atoi(c)
	}
	return state, nil
}

// Count reports the live hash size.
func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	n, err := s.client.HLen(ctx, liveKey).Result()
	if err != nil {
		return 0, fmt.Errorf("ratings hlen: %w", err)
	}
	return n, nil
}

// Close releases the client connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisStaging struct {
	store  *RedisStore
	buffer map[string]string
}

func (st *redisStaging) Add(ctx context.Context, id string, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	st.buffer[id] = string(raw)
	if len(st.buffer) >= flushBatch {
		return st.flush(ctx)
	}
	return nil
}

func (st *redisStaging) flush(ctx context.Context) error {
	if len(st.buffer) == 0 {
		return nil
	}
	args := make([]any, 0, len(st.buffer)*2)
	for id, raw := range st.buffer {
		args = append(args, id, raw)
	}
	if err := st.store.client.HSet(ctx, stagingKey, args...).Err(); err != nil {
		return fmt.Errorf("ratings staging flush: %w", err)
	}
	st.buffer = make(map[string]string, flushBatch)
	return nil
}

// Commit flushes the tail batch, renames staging over live and writes the
// metadata hash. A failure before the RENAME leaves the previous live set
// fully intact.
func (st *redisStaging) Commit(ctx context.Context, state ImportState) error {
	if err := st.flush(ctx); err != nil {
		return err
	}
	if err := st.store.client.Rename(ctx, stagingKey, liveKey).Err(); err != nil {
		return fmt.Errorf("ratings swap: %w", err)
	}
	err := st.store.client.HSet(ctx, metaKey,
		"etag", state.ETag,
		"last_import", strconv.FormatInt(state.LastImport.Unix(), 10),
		"count", strconv.Itoa(state.Count),
	).Err()
	if err != nil {
		return fmt.Errorf("ratings meta write: %w", err)
	}
	return nil
}

func (st *redisStaging) Abort(ctx context.Context) error {
	st.buffer = nil
	return st.store.client.Del(ctx, stagingKey).Err()
}

func decodeRecord(raw string) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, fmt.Errorf("ratings decode: %w", err)
	}
	return rec, nil
}
