package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/semi-column/tmdb-discover-plus-sub001/internal/auth"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/cache"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/catalog"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/config"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/configcache"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/httpapi"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/lifecycle"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/metrics"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/ratings"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/tmdb"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/userconfig"
)

const shutdownDeadline = 20 * time.Second

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		// The security configuration is the one critical dependency: a bad
		// key or secret aborts startup before anything listens.
		return err
	}
	setupLogging(cfg)

	m := metrics.New(500)
	life := lifecycle.New()

	client := tmdb.NewClient(tmdb.Config{
		BaseURL: cfg.TMDB.BaseURL,
		APIKey:  cfg.TMDB.APIKey,
		Timeout: cfg.TMDB.Timeout,
		RPS:     cfg.TMDB.RPS,
		Burst:   cfg.TMDB.Burst,
	}, m)

	var redisClient *redis.Client
	if cfg.Cache.Backend == config.BackendShared || cfg.Ratings.Backend == config.BackendShared {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	layer, cacheCheck := buildCacheLayer(cfg, redisClient, m)
	store, ratingsCheck := buildRatingsStore(cfg, redisClient)
	engine := ratings.NewEngine(store, ratings.Config{
		DatasetURL:      cfg.Ratings.DatasetURL,
		MinVotes:        cfg.Ratings.MinVotes,
		RefreshInterval: cfg.Ratings.RefreshInterval,
	}, m)

	users, usersCheck := buildUserStore(cfg)

	checks := []lifecycle.Check{
		{Name: "encryption", Critical: true, Probe: func(context.Context) error {
			// Already validated by config.Load; the probe keeps the startup
			// classification explicit.
			return cfg.Validate()
		}},
	}
	if cacheCheck != nil {
		checks = append(checks, lifecycle.Check{Name: "redis_cache", Probe: cacheCheck})
	}
	if ratingsCheck != nil {
		checks = append(checks, lifecycle.Check{Name: "redis_ratings", Probe: ratingsCheck})
	}
	if usersCheck != nil {
		checks = append(checks, lifecycle.Check{Name: "userconfig_store", Probe: usersCheck})
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 15*time.Second)
	err = life.Startup(startupCtx, checks)
	cancelStartup()
	if err != nil {
		return err
	}

	pipeline := catalog.NewPipeline(client, layer, engine, catalog.NewGenreResolver(client, layer), m)
	server := httpapi.NewServer(httpapi.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		BodyLimit:      cfg.Server.BodyLimit,
		RequestTimeout: cfg.Server.RequestTimeout,
		PerIPRPS:       cfg.Server.PerIPRPS,
		PerIPBurst:     cfg.Server.PerIPBurst,
		ETagSalt:       cfg.Security.ETagSalt,
		Version:        version,
		Channel:        channel,
		Commit:         commit,
		CacheBackend:   cfg.Cache.Backend,
		RatingsBackend: cfg.Ratings.Backend,
	}, httpapi.Deps{
		Pipeline: pipeline,
		Users:    users,
		Configs:  configcache.New(0, 0),
		Engine:   engine,
		Cache:    layer,
		Metrics:  m,
		Revoked:  auth.NewRevokedTokenSet(),
		Life:     life,
	})

	// Scheduled work stops first on shutdown; drain and close follow.
	workCtx, cancelWork := context.WithCancel(context.Background())
	life.OnCancel(cancelWork)
	life.OnShutdown(server.Shutdown)
	life.OnShutdown(func(context.Context) error { return layer.Close() })
	life.OnShutdown(func(context.Context) error { return store.Close() })
	life.OnShutdown(func(context.Context) error { return users.Close() })

	go engine.Run(workCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	return life.Shutdown(ctx)
}

func setupLogging(cfg *config.Config) {
	if cfg.Development() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// buildCacheLayer selects the response-cache backing. The shared variant
// keeps an in-process fallback so a Redis outage degrades instead of
// failing requests.
func buildCacheLayer(cfg *config.Config, redisClient *redis.Client, m *metrics.Metrics) (*cache.Layer, func(context.Context) error) {
	memory := cache.NewMemoryStore(cfg.Cache.MaxEntries)
	if cfg.Cache.Backend != config.BackendShared {
		return cache.NewLayer(memory, nil, m), nil
	}

	shared := cache.NewRedisStore(redisClient)
	return cache.NewLayer(shared, memory, m), shared.Ping
}

func buildRatingsStore(cfg *config.Config, redisClient *redis.Client) (ratings.Store, func(context.Context) error) {
	if cfg.Ratings.Backend != config.BackendShared {
		return ratings.NewMemoryStore(), nil
	}
	shared := ratings.NewRedisStore(redisClient)
	return shared, shared.Ping
}

// buildUserStore picks Postgres when configured and the in-process store
// otherwise, so a database-less dev setup still serves.
func buildUserStore(cfg *config.Config) (userconfig.Store, func(context.Context) error) {
	if cfg.Postgres.DSN == "" {
		log.Warn().Msg("no postgres dsn configured, using in-memory user configs")
		return userconfig.NewMemoryStore(), nil
	}

	store, err := userconfig.NewPostgresStore(cfg.Postgres.DSN)
	if err != nil {
		log.Warn().Err(err).Msg("postgres unavailable, using in-memory user configs")
		fallback := userconfig.NewMemoryStore()
		return fallback, func(context.Context) error { return err }
	}
	return store, store.Ping
}
