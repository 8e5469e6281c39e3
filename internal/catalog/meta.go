package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/semi-column/tmdb-discover-plus-sub001/internal/cache"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/stremio"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/tmdb"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/userconfig"
)

var (
	imdbIDPattern     = regexp.MustCompile(`^tt\d{7,10}$`)
	prefixedIDPattern = regexp.MustCompile(`^([a-z]+):(\d+)$`)
	numericIDPattern  = regexp.MustCompile(`^\d+$`)
)

// MetaID is a parsed title identifier. Exactly one of IMDB or TMDB is
// meaningful.
type MetaID struct {
	IMDB string
	TMDB int
}

// ParseMetaID accepts the three accepted id forms: an IMDb id
// ("tt0133093"), a prefixed numeric id ("tmdb:603"), or a bare numeric
// id ("603", treated as a TMDB id).
func ParseMetaID(raw string) (MetaID, error) {
	switch {
	case imdbIDPattern.MatchString(raw):
		return MetaID{IMDB: raw}, nil
	case numericIDPattern.MatchString(raw):
		n, err := strconv.Atoi(raw)
		if err != nil {
			return MetaID{}, &tmdb.Error{Kind: tmdb.KindNotFound, Message: "bad id: " + raw}
		}
		return MetaID{TMDB: n}, nil
	}
	if m := prefixedIDPattern.FindStringSubmatch(raw); m != nil {
		if m[1] != "tmdb" {
			return MetaID{}, &tmdb.Error{Kind: tmdb.KindNotFound, Message: "unknown id namespace: " + m[1]}
		}
		n, _ := strconv.Atoi(m[2])
		return MetaID{TMDB: n}, nil
	}
	return MetaID{}, &tmdb.Error{Kind: tmdb.KindNotFound, Message: "unrecognised id: " + raw}
}

// MetaRequest is one meta endpoint ask.
type MetaRequest struct {
	Config  *userconfig.Config
	Type    string
	ID      string
	Locale  string
	BaseURL string
}

// Meta builds the full title record for one id.
func (p *Pipeline) Meta(ctx context.Context, req MetaRequest) (*stremio.Meta, error) {
	locale := p.locale(req.Config, req.Locale)
	mediaType := mediaTypeOf(req.Type)

	id, err := ParseMetaID(req.ID)
	if err != nil {
		return nil, err
	}

	tmdbID := id.TMDB
	if id.IMDB != "" {
		tmdbID, err = p.findByIMDB(ctx, id.IMDB, mediaType)
		if err != nil {
			return nil, err
		}
	}

	details, err := p.fetchDetails(ctx, mediaType, tmdbID, locale)
	if err != nil {
		return nil, err
	}

	meta := p.detailsToMeta(ctx, details, req, mediaType, locale)

	if mediaType == "tv" && details.NumberOfSeasons > 0 {
		meta.Videos = p.fetchEpisodes(ctx, tmdbID, details.NumberOfSeasons, meta.ID, locale)
	}
	return meta, nil
}

// findByIMDB resolves an IMDb id to the upstream's numeric id through the
// cached reverse lookup endpoint.
func (p *Pipeline) findByIMDB(ctx context.Context, imdbID, mediaType string) (int, error) {
	params := queryValues("external_source", "imdb_id")
	var found tmdb.FindResponse
	if err := p.cachedJSON(ctx, "/find/"+imdbID, params, "", crossRefTTL, &found); err != nil {
		return 0, err
	}

	rows := found.MovieResults
	if mediaType == "tv" {
		rows = found.TVResults
	}
	if len(rows) == 0 {
		return 0, &tmdb.Error{Kind: tmdb.KindNotFound, Message: "no title for " + imdbID}
	}
	return rows[0].ID, nil
}

// fetchDetails reads the full record with its embedded credits, trailers,
// external ids and logos in a single upstream call.
func (p *Pipeline) fetchDetails(ctx context.Context, mediaType string, tmdbID int, locale string) (*tmdb.Details, error) {
	params := queryValues(
		"append_to_response", "credits,videos,external_ids,images",
		"include_image_language", imageLanguages(locale),
	)
	endpoint := fmt.Sprintf("/%s/%d", mediaType, tmdbID)

	var details tmdb.Details
	if err := p.cachedJSON(ctx, endpoint, params, locale, metaTTL, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

func (p *Pipeline) detailsToMeta(ctx context.Context, d *tmdb.Details, req MetaRequest, mediaType, locale string) *stremio.Meta {
	metaID := req.ID
	if d.ExternalIDs.IMDBID != "" {
		metaID = d.ExternalIDs.IMDBID
	}

	meta := &stremio.Meta{
		ID:          metaID,
		Type:        req.Type,
		Name:        d.DisplayTitle(),
		Description: d.Overview,
		Background:  imagePath(d.BackdropPath, "w1280"),
		Logo:        pickLogo(d.Images, locale),
		ReleaseInfo: releaseInfo(d, mediaType),
		Runtime:     runtimeOf(d, mediaType),
	}
	meta.Poster = p.posterURL(d.PosterPath, PageRequest{Config: req.Config, BaseURL: req.BaseURL})

	for _, g := range d.Genres {
		meta.Genres = append(meta.Genres, g.Name)
	}
	for i, c := range d.Credits.Cast {
		if i == 10 {
			break
		}
		meta.Cast = append(meta.Cast, c.Name)
	}
	for _, c := range d.Credits.Crew {
		if c.Job == "Director" {
			meta.Director = append(meta.Director, c.Name)
		}
	}
	for _, v := range d.Videos.Results {
		if v.Site == "YouTube" && v.Type == "Trailer" {
			meta.Trailers = append(meta.Trailers, stremio.Trailer{Source: v.Key, Type: "Trailer"})
		}
	}

	meta.IMDBRating = p.ratingFor(ctx, d, metaID)
	return meta
}

// ratingFor prefers the curated dataset and falls back to the upstream's
// own vote average.
func (p *Pipeline) ratingFor(ctx context.Context, d *tmdb.Details, metaID string) string {
	if imdbIDPattern.MatchString(metaID) {
		if rec, ok, err := p.ratings.Lookup(ctx, metaID); err == nil && ok {
			return strconv.FormatFloat(rec.Rating, 'f', 1, 64)
		}
	}
	if d.VoteAverage > 0 {
		return strconv.FormatFloat(d.VoteAverage, 'f', 1, 64)
	}
	return ""
}

// fetchEpisodes loads every season's episode listing concurrently. A
// failed season is skipped rather than failing the whole meta.
func (p *Pipeline) fetchEpisodes(ctx context.Context, tmdbID, seasons int, metaID, locale string) []stremio.Video {
	perSeason := make([][]stremio.Video, seasons)

	var wg sync.WaitGroup
	sem := make(chan struct{}, 4)
	for n := 1; n <= seasons; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			var season tmdb.Season
			endpoint := fmt.Sprintf("/tv/%d/season/%d", tmdbID, n)
			if err := p.cachedJSON(ctx, endpoint, nil, locale, metaTTL, &season); err != nil {
				log.Debug().Err(err).Int("season", n).Msg("season listing unavailable")
				return
			}
			videos := make([]stremio.Video, 0, len(season.Episodes))
			for _, ep := range season.Episodes {
				videos = append(videos, stremio.Video{
					ID:        fmt.Sprintf("%s:%d:%d", metaID, ep.SeasonNumber, ep.EpisodeNumber),
					Title:     ep.Name,
					Released:  isoReleased(ep.AirDate),
					Season:    ep.SeasonNumber,
					Episode:   ep.EpisodeNumber,
					Overview:  ep.Overview,
					Thumbnail: imagePath(ep.StillPath, "w300"),
				})
			}
			perSeason[n-1] = videos
		}(n)
	}
	wg.Wait()

	var all []stremio.Video
	for _, vs := range perSeason {
		all = append(all, vs...)
	}
	return all
}

// cachedJSON reads one endpoint through the response cache and decodes it.
func (p *Pipeline) cachedJSON(ctx context.Context, endpoint string, params url.Values, locale string, ttl time.Duration, v any) error {
	fp := cache.Fingerprint(endpoint, params, locale)
	payload, err := p.cache.GetOrFetch(ctx, fp, ttl, func(ctx context.Context) ([]byte, error) {
		res, err := p.client.Fetch(ctx, endpoint, params, locale)
		if err != nil {
			return nil, err
		}
		return res.Body, nil
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

// imageLanguages builds the include_image_language filter: the request
// language, plain English, and language-less artwork.
func imageLanguages(locale string) string {
	lang := locale
	if i := strings.IndexByte(locale, '-'); i > 0 {
		lang = locale[:i]
	}
	if lang == "" || lang == "en" {
		return "en,null"
	}
	return lang + ",en,null"
}

// pickLogo prefers the request language, then English, then anything.
func pickLogo(images tmdb.Images, locale string) string {
	lang := locale
	if i := strings.IndexByte(locale, '-'); i > 0 {
		lang = locale[:i]
	}
	var english, fallback string
	for _, l := range images.Logos {
		switch l.Language {
		case lang:
			return imagePath(l.FilePath, "w300")
		case "en":
			if english == "" {
				english = l.FilePath
			}
		default:
			if fallback == "" {
				fallback = l.FilePath
			}
		}
	}
	if english != "" {
		return imagePath(english, "w300")
	}
	return imagePath(fallback, "w300")
}

func releaseInfo(d *tmdb.Details, mediaType string) string {
	if mediaType != "tv" {
		return yearOf(d.ReleaseDate)
	}
	start := yearOf(d.FirstAirDate)
	if start == "" {
		return ""
	}
	if d.Status == "Ended" || d.Status == "Canceled" {
		if end := yearOf(d.LastAirDate); end != "" && end != start {
			return start + "-" + end
		}
		return start
	}
	return start + "-"
}

func runtimeOf(d *tmdb.Details, mediaType string) string {
	minutes := d.Runtime
	if mediaType == "tv" && minutes == 0 && len(d.EpisodeRunTime) > 0 {
		minutes = d.EpisodeRunTime[0]
	}
	if minutes <= 0 {
		return ""
	}
	return strconv.Itoa(minutes) + " min"
}

func isoReleased(airDate string) string {
	if airDate == "" {
		return ""
	}
	return airDate + "T00:00:00.000Z"
}
