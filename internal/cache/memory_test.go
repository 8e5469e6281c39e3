package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freshEntry(payload string, ttl time.Duration) *Entry {
	now := time.Now()
	return &Entry{
		Payload:    []byte(payload),
		FreshUntil: now.Add(ttl),
		StaleUntil: now.Add(ttl * 5 / 2),
		Digest:     PayloadDigest([]byte(payload)),
		Kind:       EntryOK,
	}
}

func TestMemoryStore_SetGet(t *testing.T) {
	s := NewMemoryStore(10)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", freshEntry("v", time.Minute)))
	e, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "v", string(e.Payload))

	e, err = s.Get(ctx, "absent")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestMemoryStore_ExpiredBeyondGraceDropped(t *testing.T) {
	s := NewMemoryStore(10)
	defer s.Close()
	ctx := context.Background()

	now := time.Now()
	dead := &Entry{
		Payload:    []byte("x"),
		FreshUntil: now.Add(-2 * time.Minute),
		StaleUntil: now.Add(-time.Minute),
		Kind:       EntryOK,
	}
	require.NoError(t, s.Set(ctx, "k", dead))

	e, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStore_CapacityEviction(t *testing.T) {
	s := NewMemoryStore(20)
	defer s.Close()
	ctx := context.Background()

	// Fill to capacity with increasing freshness.
	for i := 0; i < 20; i++ {
		ttl := time.Duration(i+1) * time.Minute
		require.NoError(t, s.Set(ctx, fmt.Sprintf("k%02d", i), freshEntry("v", ttl)))
	}
	require.Equal(t, 20, s.Len())

	// Nothing is expired, so the insert evicts 10% (2 entries) with the
	// shortest remaining freshness: k00 and k01.
	require.NoError(t, s.Set(ctx, "k20", freshEntry("v", time.Hour)))

	assert.Equal(t, 19, s.Len())
	e, _ := s.Get(ctx, "k00")
	assert.Nil(t, e)
	e, _ = s.Get(ctx, "k01")
	assert.Nil(t, e)
	e, _ = s.Get(ctx, "k19")
	assert.NotNil(t, e)
	e, _ = s.Get(ctx, "k20")
	assert.NotNil(t, e)

	assert.GreaterOrEqual(t, s.Stats(ctx).Evictions, int64(2))
}

func TestMemoryStore_EvictionOrderedByFreshnessNotInsertion(t *testing.T) {
	s := NewMemoryStore(20)
	defer s.Close()
	ctx := context.Background()

	// Insert in reverse freshness order so the least-fresh entries are the
	// most recently written.
	for i := 19; i >= 0; i-- {
		ttl := time.Duration(i+1) * time.Minute
		require.NoError(t, s.Set(ctx, fmt.Sprintf("k%02d", i), freshEntry("v", ttl)))
	}
	require.NoError(t, s.Set(ctx, "k20", freshEntry("v", time.Hour)))

	assert.Equal(t, 19, s.Len())
	e, _ := s.Get(ctx, "k00")
	assert.Nil(t, e)
	e, _ = s.Get(ctx, "k01")
	assert.Nil(t, e)
	e, _ = s.Get(ctx, "k19")
	assert.NotNil(t, e)
}

func TestMemoryStore_ExpiredPurgedBeforeFreshnessEviction(t *testing.T) {
	s := NewMemoryStore(5)
	defer s.Close()
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 4; i++ {
		dead := &Entry{
			Payload:    []byte("x"),
			FreshUntil: now.Add(-2 * time.Hour),
			StaleUntil: now.Add(-time.Hour),
			Kind:       EntryOK,
		}
		require.NoError(t, s.Set(ctx, fmt.Sprintf("dead%d", i), dead))
	}
	require.NoError(t, s.Set(ctx, "live", freshEntry("v", time.Minute)))

	// Insert at capacity: the expired entries are purged, the live one stays.
	require.NoError(t, s.Set(ctx, "new", freshEntry("v", time.Minute)))
	e, _ := s.Get(ctx, "live")
	assert.NotNil(t, e)
	e, _ = s.Get(ctx, "new")
	assert.NotNil(t, e)
	assert.Equal(t, 2, s.Len())
}

func TestMemoryStore_InvalidatePrefix(t *testing.T) {
	s := NewMemoryStore(10)
	defer s.Close()
	ctx := context.Background()

	s.Set(ctx, "/discover/movie:aaa", freshEntry("a", time.Minute))
	s.Set(ctx, "/discover/movie:bbb", freshEntry("b", time.Minute))
	s.Set(ctx, "/discover/tv:ccc", freshEntry("c", time.Minute))

	n, err := s.Invalidate(ctx, "/discover/movie:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_Stats(t *testing.T) {
	s := NewMemoryStore(10)
	defer s.Close()
	ctx := context.Background()

	s.Set(ctx, "k", freshEntry("v", time.Minute))
	s.Get(ctx, "k")
	s.Get(ctx, "miss")

	st := s.Stats(ctx)
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, int64(1), st.Size)
}
