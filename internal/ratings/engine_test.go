package ratings

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semi-column/tmdb-discover-plus-sub001/internal/metrics"
)

func gzipDataset(t *testing.T, lines ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write([]byte("tconst\taverageRating\tnumVotes\n"))
	for _, line := range lines {
		gz.Write([]byte(line + "\n"))
	}
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func datasetServer(t *testing.T, etag string, body []byte, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if etag != "" && r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newEngine(t *testing.T, store Store, url string, minVotes int) *Engine {
	t.Helper()
	return NewEngine(store, Config{
		DatasetURL: url,
		MinVotes:   minVotes,
	}, metrics.New(500))
}

func TestEngine_ImportAndLookup(t *testing.T) {
	body := gzipDataset(t,
		"tt0133093\t8.7\t2000000",
		"tt0111161\t9.3\t2900000",
	)
	srv := datasetServer(t, `"v1"`, body, nil)
	store := NewMemoryStore()
	e := newEngine(t, store, srv.URL, 100)

	require.NoError(t, e.Refresh(context.Background()))
	assert.Equal(t, StateReady, e.State())

	rec, ok, err := e.Lookup(context.Background(), "tt0133093")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 8.7, rec.Rating)
	assert.Equal(t, 2000000, rec.Votes)
}

func TestEngine_VoteThreshold(t *testing.T) {
	body := gzipDataset(t,
		"tt9999999\t7.0\t50",   // below threshold: dropped
		"tt0000100\t6.0\t100",  // exactly at threshold: kept
		"tt0000099\t6.0\t99",   // one under: dropped
	)
	srv := datasetServer(t, "", body, nil)
	store := NewMemoryStore()
	e := newEngine(t, store, srv.URL, 100)
	require.NoError(t, e.Refresh(context.Background()))

	_, ok, _ := e.Lookup(context.Background(), "tt9999999")
	assert.False(t, ok)
	_, ok, _ = e.Lookup(context.Background(), "tt0000099")
	assert.False(t, ok)

	rec, ok, _ := e.Lookup(context.Background(), "tt0000100")
	require.True(t, ok)
	assert.Equal(t, 100, rec.Votes)
}

func TestEngine_ConditionalSkip(t *testing.T) {
	body := gzipDataset(t, "tt0133093\t8.7\t2000000")
	srv := datasetServer(t, `"stable"`, body, nil)
	store := NewMemoryStore()
	e := newEngine(t, store, srv.URL, 100)

	require.NoError(t, e.Refresh(context.Background()))
	state, _ := store.State(context.Background())
	first := state.LastImport

	// Second refresh answers 304: no re-import, state untouched, ready.
	require.NoError(t, e.Refresh(context.Background()))
	assert.Equal(t, StateReady, e.State())
	state, _ = store.State(context.Background())
	assert.Equal(t, first, state.LastImport)
}

func TestEngine_FailureRetainsLiveSet(t *testing.T) {
	good := gzipDataset(t, "tt0133093\t8.7\t2000000")
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(good)
	}))
	t.Cleanup(srv.Close)

	store := NewMemoryStore()
	e := newEngine(t, store, srv.URL, 100)
	require.NoError(t, e.Refresh(context.Background()))

	fail.Store(true)
	require.Error(t, e.Refresh(context.Background()))

	// Live set survives the failed refresh and the state is observable.
	assert.Equal(t, StateReadyStale, e.State())
	_, ok, _ := e.Lookup(context.Background(), "tt0133093")
	assert.True(t, ok)
}

func TestEngine_TruncatedDatasetRetainsLiveSet(t *testing.T) {
	good := gzipDataset(t, "tt0133093\t8.7\t2000000")
	var truncate atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if truncate.Load() {
			// Valid gzip header, corrupt tail: ingest fails mid-stream.
			w.Write(good[:len(good)/2])
			return
		}
		w.Write(good)
	}))
	t.Cleanup(srv.Close)

	store := NewMemoryStore()
	e := newEngine(t, store, srv.URL, 100)
	require.NoError(t, e.Refresh(context.Background()))

	truncate.Store(true)
	require.Error(t, e.Refresh(context.Background()))

	rec, ok, _ := e.Lookup(context.Background(), "tt0133093")
	require.True(t, ok)
	assert.Equal(t, 8.7, rec.Rating)
}

func TestEngine_LookupBeforeFirstImportIsMiss(t *testing.T) {
	store := NewMemoryStore()
	e := newEngine(t, store, "http://127.0.0.1:0/never", 100)

	assert.Equal(t, StateUninitialised, e.State())
	_, ok, err := e.Lookup(context.Background(), "tt0133093")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_SnapshotConsistencyUnderSwap(t *testing.T) {
	// Property: LookupMany never mixes pre- and post-swap records.
	store := NewMemoryStore()
	ctx := context.Background()

	install := func(rating float64) {
		st, err := store.BeginImport(ctx)
		require.NoError(t, err)
		for _, id := range []string{"tt1", "tt2", "tt3"} {
			require.NoError(t, st.Add(ctx, id, Record{Rating: rating, Votes: 1000}))
		}
		require.NoError(t, st.Commit(ctx, ImportState{Count: 3}))
	}
	install(1.0)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rating := 2.0
		for {
			select {
			case <-stop:
				return
			default:
				install(rating)
				rating++
			}
		}
	}()

	for i := 0; i < 500; i++ {
		got, err := store.LookupMany(ctx, []string{"tt1", "tt2", "tt3"})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, got["tt1"].Rating, got["tt2"].Rating)
		assert.Equal(t, got["tt2"].Rating, got["tt3"].Rating)
	}
	close(stop)
	wg.Wait()
}
