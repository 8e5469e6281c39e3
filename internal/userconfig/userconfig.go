// Package userconfig is the configuration-store collaborator: the serving
// path reads user configurations through it and never writes them. The
// configuration UI owns the write side.
package userconfig

import (
	"context"
	"errors"
	"regexp"
)

// ErrNotFound marks a user with no stored configuration.
var ErrNotFound = errors.New("userconfig: not found")

// userIDPattern validates the path segment before it reaches any store.
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// ValidUserID reports whether id is an acceptable user identifier.
func ValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

// Catalog is one catalog a user configured.
type Catalog struct {
	ID            string   `json:"id"`
	Type          string   `json:"type"` // movie or series
	Name          string   `json:"name"`
	SortBy        string   `json:"sortBy,omitempty"`
	Genres        []string `json:"genres,omitempty"`
	ExcludeGenres []int    `json:"excludeGenres,omitempty"`
	DatePreset    string   `json:"datePreset,omitempty"`
	Randomize     bool     `json:"randomize,omitempty"`

	// PosterProxy overrides the global poster-service setting per catalog:
	// nil inherits, true/false force.
	PosterProxy *bool `json:"posterProxy,omitempty"`
}

// Config is one user's addon configuration. Referentially opaque to the
// serving core: it is read, threaded through the pipeline and never
// interpreted beyond the declared fields.
type Config struct {
	UserID   string    `json:"userId"`
	Language string    `json:"language,omitempty"`
	Catalogs []Catalog `json:"catalogs"`

	// PosterProxy is the global poster-service toggle.
	PosterProxy bool `json:"posterProxy,omitempty"`

	// ShuffleCatalogs randomises manifest catalog order per request, which
	// makes the manifest non-cacheable.
	ShuffleCatalogs bool `json:"shuffleCatalogs,omitempty"`

	// CrossRefHints are per-user TMDB-id to IMDb-id overrides applied
	// before the upstream cross-reference lookup.
	CrossRefHints map[string]string `json:"crossRefHints,omitempty"`
}

// Store is the read-only view the serving path holds.
type Store interface {
	Get(ctx context.Context, userID string) (*Config, error)
	Close() error
}
