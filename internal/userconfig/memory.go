package userconfig

import (
	"context"
	"sync"
)

// MemoryStore is the in-process Store used in tests and single-node
// deployments without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]*Config
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{configs: make(map[string]*Config)}
}

// Get returns the config for userID or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, userID string) (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return cfg, nil
}

// Put installs a config; used by the configuration surface and tests.
func (s *MemoryStore) Put(cfg *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.UserID] = cfg
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
