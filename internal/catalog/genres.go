package catalog

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/semi-column/tmdb-discover-plus-sub001/internal/cache"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/tmdb"
)

// genreListTTL keeps localised genre lists for a day; they change rarely.
const genreListTTL = 24 * time.Hour

// staticGenres is the fallback table used when the localised list cannot
// be fetched. IDs are TMDB's stable genre ids.
var staticGenres = map[string]map[string]int{
	"movie": {
		"action": 28, "adventure": 12, "animation": 16, "comedy": 35,
		"crime": 80, "documentary": 99, "drama": 18, "family": 10751,
		"fantasy": 14, "history": 36, "horror": 27, "music": 10402,
		"mystery": 9648, "romance": 10749, "science fiction": 878,
		"tv movie": 10770, "thriller": 53, "war": 10752, "western": 37,
	},
	"series": {
		"action & adventure": 10759, "animation": 16, "comedy": 35,
		"crime": 80, "documentary": 99, "drama": 18, "family": 10751,
		"kids": 10762, "mystery": 9648, "news": 10763, "reality": 10764,
		"sci-fi & fantasy": 10765, "soap": 10766, "talk": 10767,
		"war & politics": 10768, "western": 37,
	},
}

// GenreResolver maps genre labels to TMDB ids: the localised list first,
// the static table second, fuzzy matching last.
type GenreResolver struct {
	client *tmdb.Client
	cache  *cache.Layer
}

// NewGenreResolver creates a resolver backed by the response cache.
func NewGenreResolver(client *tmdb.Client, layer *cache.Layer) *GenreResolver {
	return &GenreResolver{client: client, cache: layer}
}

// List returns the localised genre list for a catalog type.
func (r *GenreResolver) List(ctx context.Context, catalogType, locale string) ([]tmdb.Genre, error) {
	endpoint := "/genre/movie/list"
	if catalogType == "series" {
		endpoint = "/genre/tv/list"
	}

	fp := cache.Fingerprint(endpoint, nil, locale)
	payload, err := r.cache.GetOrFetch(ctx, fp, genreListTTL, func(ctx context.Context) ([]byte, error) {
		p, err := r.client.Fetch(ctx, endpoint, nil, locale)
		if err != nil {
			return nil, err
		}
		return p.Body, nil
	})
	if err != nil {
		return nil, err
	}

	var list tmdb.GenreList
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, err
	}
	return list.Genres, nil
}

// Resolve maps one genre label to its id. Numeric labels pass through the
// localised list untouched elsewhere; this handles names. Resolution
// order: exact localised match, static table, fuzzy.
func (r *GenreResolver) Resolve(ctx context.Context, name, catalogType, locale string) (int, bool) {
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return 0, false
	}

	if list, err := r.List(ctx, catalogType, locale); err == nil {
		for _, g := range list {
			if strings.ToLower(g.Name) == needle {
				return g.ID, true
			}
		}
	}

	table := staticGenres[catalogType]
	if table == nil {
		table = staticGenres["movie"]
	}
	if id, ok := table[needle]; ok {
		return id, true
	}

	// Fuzzy pass: substring either way, then word-bag intersection.
	if list, err := r.List(ctx, catalogType, locale); err == nil {
		for _, g := range list {
			candidate := strings.ToLower(g.Name)
			if strings.Contains(candidate, needle) || strings.Contains(needle, candidate) {
				return g.ID, true
			}
		}
		needleWords := wordBag(needle)
		for _, g := range list {
			if bagsOverlap(needleWords, wordBag(strings.ToLower(g.Name))) {
				return g.ID, true
			}
		}
	}
	for label, id := range table {
		if strings.Contains(label, needle) || strings.Contains(needle, label) {
			return id, true
		}
	}
	return 0, false
}

// NameOf returns the localised display name for a genre id.
func (r *GenreResolver) NameOf(ctx context.Context, id int, catalogType, locale string) (string, bool) {
	list, err := r.List(ctx, catalogType, locale)
	if err != nil {
		return "", false
	}
	for _, g := range list {
		if g.ID == id {
			return g.Name, true
		}
	}
	return "", false
}

func wordBag(s string) map[string]struct{} {
	bag := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '&' || r == '-' || r == ','
	}) {
		if w != "" {
			bag[w] = struct{}{}
		}
	}
	return bag
}

func bagsOverlap(a, b map[string]struct{}) bool {
	for w := range a {
		if _, ok := b[w]; ok {
			return true
		}
	}
	return false
}

// queryValues is a tiny helper so call sites can build params inline.
func queryValues(pairs ...string) url.Values {
	v := url.Values{}
	for i := 0; i+1 < len(pairs); i += 2 {
		v.Set(pairs[i], pairs[i+1])
	}
	return v
}
