// Package catalog turns upstream content-database pages into the client's
// meta schema: date presets, genre filtering, cross-references, ratings
// and poster policy are applied here.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/semi-column/tmdb-discover-plus-sub001/internal/cache"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/metrics"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/ratings"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/stremio"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/tmdb"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/userconfig"
)

const (
	// pageSize is the upstream page length.
	pageSize = 20

	catalogTTL  = time.Hour
	metaTTL     = 12 * time.Hour
	crossRefTTL = 7 * 24 * time.Hour

	// maxRandomPage bounds the random page draw for shuffled catalogs.
	maxRandomPage = 500

	imageBase = "https://image.tmdb.org/t/p"
)

// Pipeline enriches upstream pages into client responses.
type Pipeline struct {
	client  *tmdb.Client
	cache   *cache.Layer
	ratings *ratings.Engine
	genres  *GenreResolver
	metrics *metrics.Metrics
}

// NewPipeline wires the enrichment stages together.
func NewPipeline(client *tmdb.Client, layer *cache.Layer, engine *ratings.Engine, genres *GenreResolver, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		client:  client,
		cache:   layer,
		ratings: engine,
		genres:  genres,
		metrics: m,
	}
}

// Genres exposes the resolver for the manifest builder.
func (p *Pipeline) Genres() *GenreResolver { return p.genres }

// PageRequest is one catalog page ask.
type PageRequest struct {
	Config     *userconfig.Config
	Catalog    userconfig.Catalog
	Skip       int
	Search     string
	GenreNames []string
	Locale     string
	BaseURL    string
}

// PageResult carries the enriched page. TotalResults is the upstream
// total, deliberately unadjusted by post-filtering so pagination stays
// aligned with the upstream's page arithmetic. Cacheable is false for
// randomised catalogs.
type PageResult struct {
	Metas        []stremio.Meta
	TotalResults int
	Cacheable    bool
}

// Page produces one enriched catalog page.
func (p *Pipeline) Page(ctx context.Context, req PageRequest) (*PageResult, error) {
	locale := p.locale(req.Config, req.Locale)
	mediaType := mediaTypeOf(req.Catalog.Type)

	endpoint, params := p.buildQuery(ctx, req, mediaType, locale)
	page := req.Skip/pageSize + 1
	cacheable := true

	if req.Catalog.Randomize {
		// Search result counts are unknown up front, so only discover
		// requests draw a random page. The shuffle below still applies, so
		// the response is non-cacheable either way.
		if req.Search == "" {
			randomPage, err := p.drawRandomPage(ctx, endpoint, params, locale)
			if err == nil && randomPage > 0 {
				page = randomPage
			}
		}
		cacheable = false
	}
	params.Set("page", strconv.Itoa(page))

	upstream, err := p.fetchPage(ctx, endpoint, params, locale)
	if err != nil {
		return nil, err
	}

	items := upstream.Results
	if page > upstream.TotalPages && upstream.TotalPages > 0 {
		// Past the end: the upstream answers the last page's shape with an
		// empty result list; normalise to empty.
		items = nil
	}

	items = filterExcluded(items, req.Catalog.ExcludeGenres)

	metas := p.buildMetas(ctx, items, req, mediaType, locale)
	if req.Catalog.Randomize {
		rand.Shuffle(len(metas), func(i, j int) {
			metas[i], metas[j] = metas[j], metas[i]
		})
	}

	return &PageResult{
		Metas:        metas,
		TotalResults: upstream.TotalResults,
		Cacheable:    cacheable,
	}, nil
}

// buildQuery renders a catalog definition plus request extras into the
// upstream endpoint and parameters.
func (p *Pipeline) buildQuery(ctx context.Context, req PageRequest, mediaType, locale string) (string, url.Values) {
	if req.Search != "" {
		return "/search/" + mediaType, queryValues("query", req.Search, "include_adult", "false")
	}

	params := url.Values{}
	sortBy := req.Catalog.SortBy
	if sortBy == "" {
		sortBy = "popularity.desc"
	}
	params.Set("sort_by", sortBy)
	params.Set("include_adult", "false")

	genreIDs := make([]string, 0, len(req.Catalog.Genres)+len(req.GenreNames))
	for _, name := range append(append([]string(nil), req.Catalog.Genres...), req.GenreNames...) {
		if id, err := strconv.Atoi(name); err == nil {
			genreIDs = append(genreIDs, strconv.Itoa(id))
			continue
		}
		if id, ok := p.genres.Resolve(ctx, name, req.Catalog.Type, locale); ok {
			genreIDs = append(genreIDs, strconv.Itoa(id))
		} else {
			log.Debug().Str("genre", name).Msg("unresolvable genre label ignored")
		}
	}
	if len(genreIDs) > 0 {
		params.Set("with_genres", strings.Join(genreIDs, ","))
	}

	if req.Catalog.DatePreset != "" {
		if window, ok := ResolveDatePreset(req.Catalog.DatePreset, time.Now()); ok {
			if mediaType == "tv" {
				params.Set("first_air_date.gte", window.GTE)
				params.Set("first_air_date.lte", window.LTE())
			} else {
				params.Set("primary_release_date.gte", window.GTE)
				params.Set("primary_release_date.lte", window.LTE())
			}
		}
	}

	return "/discover/" + mediaType, params
}

// fetchPage reads one upstream page through the response cache.
func (p *Pipeline) fetchPage(ctx context.Context, endpoint string, params url.Values, locale string) (*tmdb.DiscoverResponse, error) {
	fp := cache.Fingerprint(endpoint, params, locale)
	payload, err := p.cache.GetOrFetch(ctx, fp, catalogTTL, func(ctx context.Context) ([]byte, error) {
		res, err := p.client.Fetch(ctx, endpoint, params, locale)
		if err != nil {
			return nil, err
		}
		return res.Body, nil
	})
	if err != nil {
		return nil, err
	}

	var page tmdb.DiscoverResponse
	if err := json.Unmarshal(payload, &page); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	return &page, nil
}

// drawRandomPage fetches page 1 to learn the page count and draws a
// uniform page index in [1, min(totalPages, maxRandomPage)].
func (p *Pipeline) drawRandomPage(ctx context.Context, endpoint string, params url.Values, locale string) (int, error) {
	probe := url.Values{}
	for k, vs := range params {
		probe[k] = vs
	}
	probe.Set("page", "1")

	page, err := p.fetchPage(ctx, endpoint, probe, locale)
	if err != nil {
		return 0, err
	}
	limit := page.TotalPages
	if limit > maxRandomPage {
		limit = maxRandomPage
	}
	if limit <= 1 {
		return 1, nil
	}
	return 1 + rand.Intn(limit), nil
}

// filterExcluded drops items whose category set intersects the exclusion
// set, regardless of what the upstream request asked for.
func filterExcluded(items []tmdb.ListItem, excluded []int) []tmdb.ListItem {
	if len(excluded) == 0 {
		return items
	}
	block := make(map[int]struct{}, len(excluded))
	for _, id := range excluded {
		block[id] = struct{}{}
	}

	kept := items[:0:0]
	for _, item := range items {
		drop := false
		for _, g := range item.GenreIDs {
			if _, ok := block[g]; ok {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, item)
		}
	}
	return kept
}

// buildMetas enriches one page of items: cross-references, ratings, genre
// names, poster policy.
func (p *Pipeline) buildMetas(ctx context.Context, items []tmdb.ListItem, req PageRequest, mediaType, locale string) []stremio.Meta {
	imdbIDs := p.resolveIMDBIDs(ctx, items, req.Config, mediaType)

	ids := make([]string, 0, len(imdbIDs))
	for _, id := range imdbIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	pageRatings, err := p.ratings.LookupMany(ctx, ids)
	if err != nil {
		log.Warn().Err(err).Msg("ratings lookup failed, serving page without ratings")
		pageRatings = map[string]ratings.Record{}
	}

	metas := make([]stremio.Meta, 0, len(items))
	for i, item := range items {
		id := imdbIDs[i]
		if id == "" {
			id = "tmdb:" + strconv.Itoa(item.ID)
		}

		meta := stremio.Meta{
			ID:          id,
			Type:        req.Catalog.Type,
			Name:        item.DisplayTitle(),
			Description: item.Overview,
			Poster:      p.posterURL(item.PosterPath, req),
			Background:  imagePath(item.BackdropPath, "w1280"),
			ReleaseInfo: yearOf(item.ReleaseDate, item.FirstAirDate),
		}
		for _, g := range item.GenreIDs {
			if name, ok := p.genres.NameOf(ctx, g, req.Catalog.Type, locale); ok {
				meta.Genres = append(meta.Genres, name)
			}
		}
		if rec, ok := pageRatings[imdbIDs[i]]; ok {
			meta.IMDBRating = strconv.FormatFloat(rec.Rating, 'f', 1, 64)
		}
		metas = append(metas, meta)
	}
	return metas
}

// resolveIMDBIDs maps each item to its external id: per-user hints first,
// then the cached cross-reference endpoint. Misses yield an empty string
// and never fail the page.
func (p *Pipeline) resolveIMDBIDs(ctx context.Context, items []tmdb.ListItem, cfg *userconfig.Config, mediaType string) []string {
	out := make([]string, len(items))

	var wg sync.WaitGroup
	sem := make(chan struct{}, 8)
	for i, item := range items {
		if cfg != nil {
			if hint, ok := cfg.CrossRefHints[strconv.Itoa(item.ID)]; ok {
				out[i] = hint
				continue
			}
		}
		wg.Add(1)
		go func(i, tmdbID int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			out[i] = p.crossReference(ctx, mediaType, tmdbID)
		}(i, item.ID)
	}
	wg.Wait()
	return out
}

// crossReference resolves one TMDB id to its IMDb id through the response
// cache; the mapping is effectively immutable so the TTL is long.
func (p *Pipeline) crossReference(ctx context.Context, mediaType string, tmdbID int) string {
	endpoint := fmt.Sprintf("/%s/%d/external_ids", mediaType, tmdbID)
	fp := cache.Fingerprint(endpoint, nil, "")
	payload, err := p.cache.GetOrFetch(ctx, fp, crossRefTTL, func(ctx context.Context) ([]byte, error) {
		res, err := p.client.Fetch(ctx, endpoint, nil, "")
		if err != nil {
			return nil, err
		}
		return res.Body, nil
	})
	if err != nil {
		return ""
	}
	var ext tmdb.ExternalIDs
	if err := json.Unmarshal(payload, &ext); err != nil {
		return ""
	}
	return ext.IMDBID
}

// posterURL applies the per-catalog poster-service override (nil inherits
// the global toggle) and substitutes the placeholder when no poster
// exists.
func (p *Pipeline) posterURL(posterPath string, req PageRequest) string {
	if posterPath == "" {
		return placeholderURL(req.BaseURL)
	}
	direct := imagePath(posterPath, "w500")

	proxied := false
	if req.Config != nil {
		proxied = req.Config.PosterProxy
	}
	if req.Catalog.PosterProxy != nil {
		proxied = *req.Catalog.PosterProxy
	}
	if proxied && req.BaseURL != "" {
		return strings.TrimRight(req.BaseURL, "/") + "/poster?url=" + url.QueryEscape(direct)
	}
	return direct
}

func placeholderURL(baseURL string) string {
	if baseURL == "" {
		return ""
	}
	return strings.TrimRight(baseURL, "/") + "/assets/poster-placeholder.png"
}

func imagePath(path, size string) string {
	if path == "" {
		return ""
	}
	return imageBase + "/" + size + path
}

func yearOf(dates ...string) string {
	for _, d := range dates {
		if len(d) >= 4 {
			return d[:4]
		}
	}
	return ""
}

func mediaTypeOf(catalogType string) string {
	if catalogType == "series" {
		return "tv"
	}
	return "movie"
}

func (p *Pipeline) locale(cfg *userconfig.Config, requestLocale string) string {
	if requestLocale != "" {
		return requestLocale
	}
	if cfg != nil && cfg.Language != "" {
		return cfg.Language
	}
	return "en-US"
}
