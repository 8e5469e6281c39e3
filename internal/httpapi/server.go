// Package httpapi is the addon's HTTP surface: routing, middleware,
// conditional responses and error shaping over the enrichment pipeline.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/semi-column/tmdb-discover-plus-sub001/internal/auth"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/cache"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/catalog"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/configcache"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/lifecycle"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/metrics"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/ratings"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/userconfig"
)

// Config holds the HTTP surface knobs.
type Config struct {
	Host           string
	Port           int
	BodyLimit      int64
	RequestTimeout time.Duration
	PerIPRPS       float64
	PerIPBurst     int
	ETagSalt       string

	Version string
	Channel string
	Commit  string

	// Backend names surfaced on /api/status.
	CacheBackend   string
	RatingsBackend string
}

// Server wires the serving path behind a gorilla router.
type Server struct {
	cfg      Config
	router   *mux.Router
	http     *http.Server
	pipeline *catalog.Pipeline
	users    userconfig.Store
	configs  *configcache.Cache
	engine   *ratings.Engine
	cache    *cache.Layer
	metrics  *metrics.Metrics
	revoked  *auth.RevokedTokenSet
	life     *lifecycle.Manager
	ips      *ipLimiter
}

// Deps carries the collaborators the server serves from.
type Deps struct {
	Pipeline *catalog.Pipeline
	Users    userconfig.Store
	Configs  *configcache.Cache
	Engine   *ratings.Engine
	Cache    *cache.Layer
	Metrics  *metrics.Metrics
	Revoked  *auth.RevokedTokenSet
	Life     *lifecycle.Manager
}

// NewServer builds the router and the underlying http.Server.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = 100 << 10
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	s := &Server{
		cfg:      cfg,
		router:   mux.NewRouter(),
		pipeline: deps.Pipeline,
		users:    deps.Users,
		configs:  deps.Configs,
		engine:   deps.Engine,
		cache:    deps.Cache,
		metrics:  deps.Metrics,
		revoked:  deps.Revoked,
		life:     deps.Life,
		ips:      newIPLimiter(cfg.PerIPRPS, cfg.PerIPBurst),
	}
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.http.Addr).Msg("http server listening")
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.accessLogMiddleware)
	s.router.Use(s.rateLimitMiddleware)
	s.router.Use(s.bodyLimitMiddleware)
	s.router.Use(s.timeoutMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.router.HandleFunc("/poster", s.handlePoster).Methods(http.MethodGet)
	s.router.HandleFunc("/assets/poster-placeholder.png", s.handlePlaceholder).Methods(http.MethodGet)

	addon := s.router.PathPrefix("/{userId}").Subrouter()
	addon.Use(s.revokedMiddleware)
	addon.HandleFunc("/manifest.json", s.handleManifest).Methods(http.MethodGet)
	addon.HandleFunc("/catalog/{type}/{catalogId}.json", s.handleCatalog).Methods(http.MethodGet)
	addon.HandleFunc("/catalog/{type}/{catalogId}/{extra}.json", s.handleCatalog).Methods(http.MethodGet)
	addon.HandleFunc("/meta/{type}/{id}.json", s.handleMeta).Methods(http.MethodGet)
	addon.HandleFunc("/meta/{type}/{id}/{extra}.json", s.handleMeta).Methods(http.MethodGet)

	// Anything else on an addon path, including wrong methods, is a client
	// error, not a routing mystery.
	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusBadRequest, "VALIDATION", "unsupported method")
	})
}

type contextKey string

const requestIDKey contextKey = "request_id"

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		s.metrics.Request(endpointLabel(r))
		s.metrics.ObserveLatency(endpointLabel(r), elapsed)

		reqID, _ := r.Context().Value(requestIDKey).(string)
		log.Debug().
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ips.Allow(r.RemoteAddr) {
			writeError(w, http.StatusTooManyRequests, "DEPENDENCY_DEGRADED", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.BodyLimit)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// revokedMiddleware rejects requests whose user token the auth surface has
// revoked. The set is consulted here only; the auth subsystem owns writes.
func (s *Server) revokedMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["userId"]
		if s.revoked != nil && s.revoked.IsRevoked(userID) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "token revoked")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// endpointLabel collapses paths to a bounded label set for metrics.
func endpointLabel(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return "unknown"
	}
	if tpl, err := route.GetPathTemplate(); err == nil {
		return tpl
	}
	return "unknown"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
