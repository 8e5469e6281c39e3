package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semi-column/tmdb-discover-plus-sub001/internal/auth"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/cache"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/catalog"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/configcache"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/lifecycle"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/metrics"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/ratings"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/stremio"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/tmdb"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/userconfig"
)

const testUser = "user-12345678"

type testEnv struct {
	server  *Server
	users   *userconfig.MemoryStore
	revoked *auth.RevokedTokenSet
	store   *ratings.MemoryStore
}

func newTestEnv(t *testing.T, upstream http.Handler) *testEnv {
	t.Helper()

	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	m := metrics.New(100)
	client := tmdb.NewClient(tmdb.Config{BaseURL: srv.URL, APIKey: "k", RPS: 1000, Burst: 1000}, m)
	layer := cache.NewLayer(cache.NewMemoryStore(500), nil, m)
	t.Cleanup(func() { layer.Close() })

	store := ratings.NewMemoryStore()
	engine := ratings.NewEngine(store, ratings.Config{}, m)
	pipeline := catalog.NewPipeline(client, layer, engine, catalog.NewGenreResolver(client, layer), m)

	users := userconfig.NewMemoryStore()
	users.Put(&userconfig.Config{
		UserID: testUser,
		Catalogs: []userconfig.Catalog{
			{ID: "top-movies", Type: "movie", Name: "Top Movies"},
			{ID: "horror-free", Type: "movie", Name: "No Horror", ExcludeGenres: []int{28}},
		},
	})

	revoked := auth.NewRevokedTokenSet()
	server := NewServer(Config{
		PerIPRPS:       10000,
		PerIPBurst:     10000,
		ETagSalt:       "test-salt",
		Version:        "1.2.3",
		Channel:        "stable",
		Commit:         "abcdef0",
		CacheBackend:   "inprocess",
		RatingsBackend: "memory",
	}, Deps{
		Pipeline: pipeline,
		Users:    users,
		Configs:  configcache.New(0, 0),
		Engine:   engine,
		Cache:    layer,
		Metrics:  m,
		Revoked:  revoked,
		Life:     lifecycle.New(),
	})

	return &testEnv{server: server, users: users, revoked: revoked, store: store}
}

func (e *testEnv) get(path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func emptyDiscoverHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"page": 1, "total_pages": 1, "total_results": 0,
			"results": []map[string]any{}, "genres": []map[string]any{}, "imdb_id": "",
		})
	})
	return mux
}

func TestPostWithoutConfigIsValidationError(t *testing.T) {
	var upstreamCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		w.Write([]byte("{}"))
	})
	env := newTestEnv(t, mux)

	req := httptest.NewRequest(http.MethodPost, "/user-nobody99/catalog/movie/top.json", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "VALIDATION", body.Error.Code)
	assert.Zero(t, upstreamCalls.Load())
}

func TestUnknownUserIsValidationError(t *testing.T) {
	env := newTestEnv(t, emptyDiscoverHandler())

	rec := env.get("/user-nobody99/manifest.json", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "VALIDATION", body.Error.Code)
}

func TestInvalidTypeRejected(t *testing.T) {
	env := newTestEnv(t, emptyDiscoverHandler())

	rec := env.get("/"+testUser+"/catalog/anime/top-movies.json", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConcurrentIdenticalRequestsCoalesce(t *testing.T) {
	var discoverCalls atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/genre/movie/list", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"genres": []map[string]any{}})
	})
	mux.HandleFunc("/discover/movie", func(w http.ResponseWriter, r *http.Request) {
		discoverCalls.Add(1)
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{
			"page": 1, "total_pages": 1, "total_results": 1,
			"results": []map[string]any{{"id": 603, "title": "The Matrix"}},
		})
	})
	mux.HandleFunc("/movie/603/external_ids", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"imdb_id": "tt0133093"})
	})
	env := newTestEnv(t, mux)

	const n = 8
	bodies := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := env.get("/"+testUser+"/catalog/movie/top-movies.json", nil)
			assert.Equal(t, http.StatusOK, rec.Code)
			bodies[i] = rec.Body.String()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), discoverCalls.Load())
	for i := 1; i < n; i++ {
		assert.Equal(t, bodies[0], bodies[i])
	}
}

func TestCatalogExcludedGenresDropped(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/genre/movie/list", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"genres": []map[string]any{
			{"id": 28, "name": "Action"}, {"id": 12, "name": "Adventure"},
		}})
	})
	mux.HandleFunc("/discover/movie", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"page": 1, "total_pages": 1, "total_results": 2,
			"results": []map[string]any{
				{"id": 1, "title": "A", "genre_ids": []int{28, 12}},
				{"id": 2, "title": "B", "genre_ids": []int{12}},
			},
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"imdb_id": ""})
	})
	env := newTestEnv(t, mux)

	rec := env.get("/"+testUser+"/catalog/movie/horror-free.json", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp stremio.CatalogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Metas, 1)
	assert.Equal(t, "B", resp.Metas[0].Name)
}

func TestManifestETagRoundTrip(t *testing.T) {
	env := newTestEnv(t, emptyDiscoverHandler())

	first := env.get("/"+testUser+"/manifest.json", nil)
	require.Equal(t, http.StatusOK, first.Code)
	etag := first.Header().Get("ETag")
	require.NotEmpty(t, etag)

	var manifest stremio.Manifest
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &manifest))
	assert.Equal(t, "1.2.3", manifest.Version)
	assert.Len(t, manifest.Catalogs, 2)

	second := env.get("/"+testUser+"/manifest.json", map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, second.Code)
	assert.Empty(t, second.Body.Bytes())
}

func TestShuffledManifestIsUncacheable(t *testing.T) {
	env := newTestEnv(t, emptyDiscoverHandler())
	env.users.Put(&userconfig.Config{
		UserID:          testUser,
		ShuffleCatalogs: true,
		Catalogs: []userconfig.Catalog{
			{ID: "a", Type: "movie", Name: "A"},
			{ID: "b", Type: "movie", Name: "B"},
		},
	})

	rec := env.get("/"+testUser+"/manifest.json", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("ETag"))
}

func TestUnknownCatalogYieldsEmptyList(t *testing.T) {
	env := newTestEnv(t, emptyDiscoverHandler())

	rec := env.get("/"+testUser+"/catalog/movie/never-configured.json", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp stremio.CatalogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Metas)
}

func TestUpstreamFailureYieldsEmptyList(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	env := newTestEnv(t, mux)

	rec := env.get("/"+testUser+"/catalog/movie/top-movies.json", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp stremio.CatalogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Metas)
}

func TestMetaFailureYieldsEmptyObject(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	env := newTestEnv(t, mux)

	rec := env.get("/"+testUser+"/meta/movie/tmdb:603.json", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp stremio.MetaResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Meta)
	assert.Empty(t, resp.Meta.ID)
}

func TestRevokedTokenRejected(t *testing.T) {
	env := newTestEnv(t, emptyDiscoverHandler())
	env.revoked.Revoke(testUser)

	rec := env.get("/"+testUser+"/manifest.json", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthReportsStateAndStats(t *testing.T) {
	env := newTestEnv(t, emptyDiscoverHandler())

	rec := env.get("/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "uninitialised", body["ratings_state"])
	assert.Contains(t, body, "cache")
	assert.Contains(t, body, "metrics")
}

func TestStatusReportsBuildInfo(t *testing.T) {
	env := newTestEnv(t, emptyDiscoverHandler())

	rec := env.get("/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "1.2.3", body["version"])
	assert.Equal(t, "stable", body["channel"])
	assert.Equal(t, "abcdef0", body["commit"])
	backends := body["backends"].(map[string]any)
	assert.Equal(t, "inprocess", backends["cache"])
}

func TestPosterRedirectValidatesTarget(t *testing.T) {
	env := newTestEnv(t, emptyDiscoverHandler())

	ok := env.get("/poster?url="+
		"https%3A%2F%2Fimage.tmdb.org%2Ft%2Fp%2Fw500%2Fx.jpg", nil)
	assert.Equal(t, http.StatusFound, ok.Code)
	assert.Equal(t, "https://image.tmdb.org/t/p/w500/x.jpg", ok.Header().Get("Location"))

	bad := env.get("/poster?url=https%3A%2F%2Fevil.example%2Fx.jpg", nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestRequestIDPropagated(t *testing.T) {
	env := newTestEnv(t, emptyDiscoverHandler())

	rec := env.get("/health", map[string]string{"X-Request-ID": "fixed-id"})
	assert.Equal(t, "fixed-id", rec.Header().Get("X-Request-ID"))

	rec = env.get("/health", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestPerIPRateLimit(t *testing.T) {
	env := newTestEnv(t, emptyDiscoverHandler())
	env.server.ips = newIPLimiter(1, 2)

	codes := map[int]int{}
	for i := 0; i < 5; i++ {
		rec := env.get("/health", nil)
		codes[rec.Code]++
	}
	assert.Positive(t, codes[http.StatusOK])
	assert.Positive(t, codes[http.StatusTooManyRequests])
}
