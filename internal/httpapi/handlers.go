package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/semi-column/tmdb-discover-plus-sub001/internal/catalog"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/stremio"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/userconfig"
)

const (
	manifestMaxAge = 3600
	catalogMaxAge  = 3600
	metaMaxAge     = 43200

	// staleRevalidate mirrors the cache layer's grace factor on the wire.
	catalogStaleRevalidate = 9000
	metaStaleRevalidate    = 108000
)

// errorBody is the error envelope for rejected requests.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.userConfig(w, r)
	if !ok {
		return
	}

	locale := cfg.Language
	if locale == "" {
		locale = "en-US"
	}

	manifest := stremio.Manifest{
		ID:          "com.tmdb.discover-plus",
		Version:     s.cfg.Version,
		Name:        "TMDB Discover+",
		Description: "Personalised discover catalogs with IMDb ratings",
		Resources:   []string{"catalog", "meta"},
		Types:       []string{"movie", "series"},
		IDPrefixes:  []string{"tt", "tmdb:"},
		BehaviorHints: map[string]bool{
			"configurable": true,
		},
	}

	for _, cat := range cfg.Catalogs {
		entry := stremio.ManifestCatalog{
			ID:   cat.ID,
			Type: cat.Type,
			Name: cat.Name,
			Extra: []stremio.Extra{
				{Name: "skip"},
				{Name: "search"},
			},
		}
		if names := s.genreOptions(r, cat.Type, locale); len(names) > 0 {
			entry.Extra = append(entry.Extra, stremio.Extra{Name: "genre", Options: names})
		}
		manifest.Catalogs = append(manifest.Catalogs, entry)
	}

	if cfg.ShuffleCatalogs {
		rand.Shuffle(len(manifest.Catalogs), func(i, j int) {
			manifest.Catalogs[i], manifest.Catalogs[j] = manifest.Catalogs[j], manifest.Catalogs[i]
		})
	}

	body, err := json.Marshal(manifest)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "manifest encoding failed")
		return
	}

	if cfg.ShuffleCatalogs {
		writeUncacheable(w, body)
		return
	}
	writeConditional(w, r, body, s.cfg.ETagSalt, manifestMaxAge)
}

// genreOptions returns the localised genre names for the manifest's genre
// extra. A failed list fetch degrades to no options rather than no
// manifest.
func (s *Server) genreOptions(r *http.Request, catalogType, locale string) []string {
	genres, err := s.pipeline.Genres().List(r.Context(), catalogType, locale)
	if err != nil {
		log.Debug().Err(err).Str("type", catalogType).Msg("genre list unavailable for manifest")
		return nil
	}
	names := make([]string, 0, len(genres))
	for _, g := range genres {
		names = append(names, g.Name)
	}
	return names
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !validType(vars["type"]) {
		writeError(w, http.StatusBadRequest, "VALIDATION", "type must be movie or series")
		return
	}

	cfg, ok := s.userConfig(w, r)
	if !ok {
		return
	}

	extra := ParseExtra(vars["extra"])
	def, found := findCatalog(cfg, vars["catalogId"], vars["type"])
	if !found {
		// Unknown catalog id: the client treats an empty list as a removed
		// catalog, which is the graceful path.
		writeJSON(w, http.StatusOK, stremio.CatalogResponse{Metas: []stremio.Meta{}})
		return
	}

	result, err := s.pipeline.Page(r.Context(), catalog.PageRequest{
		Config:     cfg,
		Catalog:    def,
		Skip:       extra.Skip,
		Search:     extra.Search,
		GenreNames: extra.GenreNames,
		Locale:     extra.DisplayLanguage,
		BaseURL:    baseURL(r),
	})
	if err != nil {
		log.Warn().Err(err).Str("catalog", def.ID).Msg("catalog page failed, serving empty list")
		writeJSON(w, http.StatusOK, stremio.CatalogResponse{Metas: []stremio.Meta{}})
		return
	}

	resp := stremio.CatalogResponse{
		Metas:           result.Metas,
		CacheMaxAge:     catalogMaxAge,
		StaleRevalidate: catalogStaleRevalidate,
	}
	if resp.Metas == nil {
		resp.Metas = []stremio.Meta{}
	}

	body, err := json.Marshal(resp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "catalog encoding failed")
		return
	}
	if !result.Cacheable {
		writeUncacheable(w, body)
		return
	}
	writeConditional(w, r, body, s.cfg.ETagSalt, catalogMaxAge)
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !validType(vars["type"]) {
		writeError(w, http.StatusBadRequest, "VALIDATION", "type must be movie or series")
		return
	}

	cfg, ok := s.userConfig(w, r)
	if !ok {
		return
	}
	extra := ParseExtra(vars["extra"])

	meta, err := s.pipeline.Meta(r.Context(), catalog.MetaRequest{
		Config:  cfg,
		Type:    vars["type"],
		ID:      vars["id"],
		Locale:  extra.DisplayLanguage,
		BaseURL: baseURL(r),
	})
	if err != nil {
		// The client renders an empty meta object gracefully; an error
		// payload would surface as a broken detail page.
		log.Warn().Err(err).Str("id", vars["id"]).Msg("meta failed, serving empty object")
		writeJSON(w, http.StatusOK, stremio.MetaResponse{Meta: &stremio.Meta{}})
		return
	}

	body, err := json.Marshal(stremio.MetaResponse{
		Meta:            meta,
		CacheMaxAge:     metaMaxAge,
		StaleRevalidate: metaStaleRevalidate,
		StaleError:      metaStaleRevalidate,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "meta encoding failed")
		return
	}
	writeConditional(w, r, body, s.cfg.ETagSalt, metaMaxAge)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	degraded := s.life.Degraded()
	status := "ok"
	if len(degraded) > 0 {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"degraded":      degraded,
		"ratings_state": s.engine.State().String(),
		"cache":         s.cache.Stats(r.Context()),
		"metrics":       s.metrics.Snapshot(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        s.cfg.Version,
		"channel":        s.cfg.Channel,
		"commit":         s.cfg.Commit,
		"uptime_seconds": int64(s.life.Uptime().Seconds()),
		"backends": map[string]string{
			"cache":   s.cfg.CacheBackend,
			"ratings": s.cfg.RatingsBackend,
		},
		"counts": map[string]float64{
			"requests":       s.metrics.GatheredTotal("addon_requests_total"),
			"upstream_calls": s.metrics.GatheredTotal("addon_upstream_calls_total"),
			"cache_events":   s.metrics.GatheredTotal("addon_cache_events_total"),
		},
	})
}

// handlePoster redirects to the validated upstream image. The addon never
// streams image bytes itself.
func (s *Server) handlePoster(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	target, err := url.Parse(raw)
	if err != nil || target.Scheme != "https" || target.Host != "image.tmdb.org" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "unsupported poster url")
		return
	}
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// placeholderPNG is a 1x1 transparent PNG served when a title has no
// poster.
var placeholderPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x62, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func (s *Server) handlePlaceholder(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(placeholderPNG)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "NOT_FOUND", "no such resource")
}

// userConfig loads and validates the request's user configuration,
// answering the request itself on failure.
func (s *Server) userConfig(w http.ResponseWriter, r *http.Request) (*userconfig.Config, bool) {
	userID := mux.Vars(r)["userId"]
	if !userconfig.ValidUserID(userID) {
		writeError(w, http.StatusBadRequest, "VALIDATION", "invalid user id")
		return nil, false
	}

	v, err := s.configs.GetOrLoad(r.Context(), userID, func(ctx context.Context) (any, error) {
		return s.users.Get(ctx, userID)
	})
	if err != nil {
		if errors.Is(err, userconfig.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "VALIDATION", "no configuration for user")
			return nil, false
		}
		log.Error().Err(err).Str("user", userID).Msg("config store read failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL", "configuration unavailable")
		return nil, false
	}
	return v.(*userconfig.Config), true
}

func findCatalog(cfg *userconfig.Config, id, catalogType string) (userconfig.Catalog, bool) {
	for _, c := range cfg.Catalogs {
		if c.ID == id && c.Type == catalogType {
			return c, true
		}
	}
	return userconfig.Catalog{}, false
}

func validType(t string) bool {
	return t == "movie" || t == "series"
}
