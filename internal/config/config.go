// Package config loads the addon configuration from a YAML file with
// environment overrides, applies defaults and validates the result at
// startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted for the cache and ratings stores.
const (
	BackendShared    = "shared"
	BackendInProcess = "inprocess"
)

// Config is the full addon configuration.
type Config struct {
	Environment string `yaml:"environment"`

	Server   Server   `yaml:"server"`
	TMDB     TMDB     `yaml:"tmdb"`
	Cache    Cache    `yaml:"cache"`
	Ratings  Ratings  `yaml:"ratings"`
	Redis    Redis    `yaml:"redis"`
	Postgres Postgres `yaml:"postgres"`
	Security Security `yaml:"security"`
}

type Server struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	BodyLimit      int64         `yaml:"body_limit"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PerIPRPS       float64       `yaml:"per_ip_rps"`
	PerIPBurst     int           `yaml:"per_ip_burst"`
}

type TMDB struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	RPS     float64       `yaml:"rps"`
	Burst   int           `yaml:"burst"`
	Timeout time.Duration `yaml:"timeout"`
}

type Cache struct {
	Backend    string `yaml:"backend"`
	MaxEntries int    `yaml:"max_entries"`
}

type Ratings struct {
	Backend         string        `yaml:"backend"`
	DatasetURL      string        `yaml:"dataset_url"`
	MinVotes        int           `yaml:"min_votes"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Postgres struct {
	DSN string `yaml:"dsn"`
}

type Security struct {
	EncryptionKey string `yaml:"encryption_key"`
	SessionSecret string `yaml:"session_secret"`
	ETagAlgorithm string `yaml:"etag_algorithm"`
	ETagSalt      string `yaml:"etag_salt"`
}

// Load reads path (optional), applies environment overrides and defaults,
// then validates. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
			// Defaults plus environment carry a dev setup.
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Environment, "ADDON_ENVIRONMENT")
	setString(&c.Server.Host, "ADDON_HOST")
	setInt(&c.Server.Port, "ADDON_PORT")
	setString(&c.TMDB.APIKey, "ADDON_TMDB_API_KEY")
	setString(&c.TMDB.BaseURL, "ADDON_TMDB_BASE_URL")
	setString(&c.Cache.Backend, "ADDON_CACHE_BACKEND")
	setInt(&c.Cache.MaxEntries, "ADDON_CACHE_MAX_ENTRIES")
	setString(&c.Ratings.Backend, "ADDON_RATINGS_BACKEND")
	setString(&c.Redis.Addr, "ADDON_REDIS_ADDR")
	setString(&c.Redis.Password, "ADDON_REDIS_PASSWORD")
	setString(&c.Postgres.DSN, "ADDON_POSTGRES_DSN")
	setString(&c.Security.EncryptionKey, "ADDON_ENCRYPTION_KEY")
	setString(&c.Security.SessionSecret, "ADDON_SESSION_SECRET")
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 7000
	}
	if c.Server.BodyLimit <= 0 {
		c.Server.BodyLimit = 100 << 10
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	if c.TMDB.RPS <= 0 {
		c.TMDB.RPS = 35
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = BackendInProcess
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 50000
	}
	if c.Ratings.Backend == "" {
		c.Ratings.Backend = c.Cache.Backend
	}
	if c.Ratings.MinVotes <= 0 {
		c.Ratings.MinVotes = 100
	}
	if c.Ratings.RefreshInterval <= 0 {
		c.Ratings.RefreshInterval = 24 * time.Hour
	}
	if c.Security.ETagAlgorithm == "" {
		c.Security.ETagAlgorithm = "sha256"
	}
}

// Validate enforces the startup contract. Failures here are critical: the
// process must not serve traffic with a broken security configuration.
func (c *Config) Validate() error {
	if len(c.Security.EncryptionKey) != 32 {
		return fmt.Errorf("security.encryption_key must be exactly 32 bytes, got %d", len(c.Security.EncryptionKey))
	}
	if len(c.Security.SessionSecret) < 32 {
		return fmt.Errorf("security.session_secret must be at least 32 characters, got %d", len(c.Security.SessionSecret))
	}
	switch strings.ToLower(c.Security.ETagAlgorithm) {
	case "sha256":
	case "md5":
		return errors.New("security.etag_algorithm: md5 is forbidden, use sha256")
	default:
		return fmt.Errorf("security.etag_algorithm: unsupported algorithm %q", c.Security.ETagAlgorithm)
	}

	if c.Cache.Backend != BackendShared && c.Cache.Backend != BackendInProcess {
		return fmt.Errorf("cache.backend must be %q or %q", BackendShared, BackendInProcess)
	}
	if c.Ratings.Backend != BackendShared && c.Ratings.Backend != BackendInProcess {
		return fmt.Errorf("ratings.backend must be %q or %q", BackendShared, BackendInProcess)
	}
	if c.Cache.Backend == BackendShared && c.Redis.Addr == "" {
		return errors.New("cache.backend=shared requires redis.addr")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.TMDB.APIKey == "" {
		return errors.New("tmdb.api_key is required")
	}
	return nil
}

// Development reports whether stack traces and console logging apply.
func (c *Config) Development() bool {
	return c.Environment == "development"
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
