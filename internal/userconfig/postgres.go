package userconfig

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PostgresStore reads user configurations from the shared database the
// configuration UI writes to. The serving path only ever selects.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore connects and verifies the pool.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("userconfig db connect: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	return &PostgresStore{db: db}, nil
}

// Get selects one user's config payload.
func (s *PostgresStore) Get(ctx context.Context, userID string) (*Config, error) {
	var payload []byte
	err := s.db.GetContext(ctx, &payload,
		`SELECT payload FROM user_configs WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("userconfig select: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return nil, fmt.Errorf("userconfig decode: %w", err)
	}
	cfg.UserID = userID
	return &cfg, nil
}

// Ping verifies pool connectivity; used at startup classification.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
