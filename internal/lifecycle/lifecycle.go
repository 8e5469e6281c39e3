// Package lifecycle owns startup classification, degraded-mode tracking
// and the cooperative shutdown sequence.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Check probes one dependency at startup. Critical checks abort startup on
// failure; non-critical checks mark the subsystem degraded and let the
// process accept traffic anyway.
type Check struct {
	Name     string
	Critical bool
	Probe    func(ctx context.Context) error
}

// Manager tracks degraded subsystems and runs the shutdown sequence.
type Manager struct {
	mu       sync.RWMutex
	degraded map[string]bool
	started  time.Time

	cancels  []context.CancelFunc
	shutdown []func(ctx context.Context) error
}

// New creates an empty manager.
func New() *Manager {
	return &Manager{
		degraded: make(map[string]bool),
		started:  time.Now(),
	}
}

// Startup runs every check in order. The first critical failure aborts;
// non-critical failures are recorded and logged.
func (m *Manager) Startup(ctx context.Context, checks []Check) error {
	for _, c := range checks {
		err := c.Probe(ctx)
		if err == nil {
			log.Info().Str("dependency", c.Name).Msg("startup check passed")
			continue
		}
		if c.Critical {
			return fmt.Errorf("critical dependency %s: %w", c.Name, err)
		}
		log.Warn().Str("dependency", c.Name).Err(err).Msg("non-critical dependency unavailable, entering degraded mode")
		m.MarkDegraded(c.Name)
	}
	return nil
}

// MarkDegraded records a subsystem as degraded.
func (m *Manager) MarkDegraded(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.degraded[name] = true
}

// ClearDegraded records a subsystem as recovered.
func (m *Manager) ClearDegraded(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.degraded, name)
}

// Degraded returns a copy of the degraded-subsystem set.
func (m *Manager) Degraded() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.degraded))
	for k, v := range m.degraded {
		out[k] = v
	}
	return out
}

// IsDegraded reports whether any subsystem is degraded.
func (m *Manager) IsDegraded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.degraded) > 0
}

// Uptime reports time since manager creation.
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.started)
}

// OnCancel registers a context cancel to fire first during shutdown, so
// scheduled work (ingest timers, background refreshes) stops accepting new
// runs before connections drain.
func (m *Manager) OnCancel(cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels = append(m.cancels, cancel)
}

// OnShutdown registers a drain/close step. Steps run in registration order
// within the shutdown deadline.
func (m *Manager) OnShutdown(fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = append(m.shutdown, fn)
}

// Shutdown cancels scheduled work, then runs every registered step under
// the given context. The first error is remembered but every step runs.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	cancels := m.cancels
	steps := m.shutdown
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	var firstErr error
	for _, step := range steps {
		if err := step(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
