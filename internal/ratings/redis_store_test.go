package ratings

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisRatings(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisStore_ImportRoundTrip(t *testing.T) {
	s, _ := newRedisRatings(t)
	ctx := context.Background()

	st, err := s.BeginImport(ctx)
	require.NoError(t, err)
	require.NoError(t, st.Add(ctx, "tt0133093", Record{Rating: 8.7, Votes: 2000000}))
	require.NoError(t, st.Commit(ctx, ImportState{
		ETag:       `"v1"`,
		LastImport: time.Unix(1700000000, 0),
		Count:      1,
	}))

	rec, ok, err := s.Lookup(ctx, "tt0133093")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 8.7, rec.Rating)
	assert.Equal(t, 2000000, rec.Votes)

	state, err := s.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, `"v1"`, state.ETag)
	assert.Equal(t, 1, state.Count)
	assert.Equal(t, int64(1700000000), state.LastImport.Unix())

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisStore_SwapReplacesWholeSet(t *testing.T) {
	s, _ := newRedisRatings(t)
	ctx := context.Background()

	st, _ := s.BeginImport(ctx)
	st.Add(ctx, "tt1", Record{Rating: 5.0, Votes: 500})
	st.Add(ctx, "tt2", Record{Rating: 6.0, Votes: 600})
	require.NoError(t, st.Commit(ctx, ImportState{Count: 2}))

	// Second import without tt2: the rename replaces the whole live hash.
	st, _ = s.BeginImport(ctx)
	st.Add(ctx, "tt1", Record{Rating: 5.5, Votes: 550})
	require.NoError(t, st.Commit(ctx, ImportState{Count: 1}))

	rec, ok, _ := s.Lookup(ctx, "tt1")
	require.True(t, ok)
	assert.Equal(t, 5.5, rec.Rating)
	_, ok, _ = s.Lookup(ctx, "tt2")
	assert.False(t, ok)
}

func TestRedisStore_AbortLeavesLiveUntouched(t *testing.T) {
	s, mr := newRedisRatings(t)
	ctx := context.Background()

	st, _ := s.BeginImport(ctx)
	st.Add(ctx, "tt1", Record{Rating: 5.0, Votes: 500})
	require.NoError(t, st.Commit(ctx, ImportState{Count: 1}))

	st, _ = s.BeginImport(ctx)
	st.Add(ctx, "tt2", Record{Rating: 9.9, Votes: 999})
	require.NoError(t, st.Abort(ctx))

	_, ok, _ := s.Lookup(ctx, "tt2")
	assert.False(t, ok)
	rec, ok, _ := s.Lookup(ctx, "tt1")
	require.True(t, ok)
	assert.Equal(t, 5.0, rec.Rating)
	assert.False(t, mr.Exists(stagingKey))
}

func TestRedisStore_LookupMany(t *testing.T) {
	s, _ := newRedisRatings(t)
	ctx := context.Background()

	st, _ := s.BeginImport(ctx)
	st.Add(ctx, "tt1", Record{Rating: 7.1, Votes: 100})
	st.Add(ctx, "tt2", Record{Rating: 7.2, Votes: 200})
	require.NoError(t, st.Commit(ctx, ImportState{Count: 2}))

	got, err := s.LookupMany(ctx, []string{"tt1", "tt2", "tt-missing"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 7.1, got["tt1"].Rating)
	assert.Equal(t, 7.2, got["tt2"].Rating)
}
