// Package auth holds the pieces of the session surface the serving path
// touches. The authentication protocol itself lives outside this repo.
package auth

import (
	"sync"
	"time"
)

// maxRevoked bounds the revocation set; the oldest revocation is dropped
// first once the cap is hit.
const maxRevoked = 10000

// RevokedTokenSet is a bounded token→revocation-instant map. The auth
// subsystem mutates it; request middleware only reads.
type RevokedTokenSet struct {
	mu     sync.RWMutex
	tokens map[string]time.Time
	order  []string
}

// NewRevokedTokenSet creates an empty set.
func NewRevokedTokenSet() *RevokedTokenSet {
	return &RevokedTokenSet{tokens: make(map[string]time.Time)}
}

// Revoke records a token revocation, evicting the oldest entry at capacity.
func (s *RevokedTokenSet) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[token]; ok {
		return
	}
	if len(s.order) >= maxRevoked {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.tokens, oldest)
	}
	s.tokens[token] = time.Now()
	s.order = append(s.order, token)
}

// IsRevoked reports whether token has been revoked.
func (s *RevokedTokenSet) IsRevoked(token string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tokens[token]
	return ok
}

// Len reports the current set size.
func (s *RevokedTokenSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}
