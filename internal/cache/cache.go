package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/semi-column/tmdb-discover-plus-sub001/internal/metrics"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/tmdb"
)

// EntryKind distinguishes a cached success from a cached typed failure.
type EntryKind int

const (
	// EntryOK is a cached upstream success.
	EntryOK EntryKind = iota
	// EntryNegative records a typed failure (not found, auth) so repeated
	// misses do not stampede the upstream.
	EntryNegative
)

const (
	// graceFactor stretches the freshness TTL into the
	// stale-while-revalidate window.
	graceFactor = 2.5

	negativeTTLNotFound = 30 * time.Minute
	negativeTTLAuth     = 60 * time.Second

	negativeTTLMin = 60 * time.Second
	negativeTTLMax = 30 * time.Minute
)

// Entry is one cached response.
type Entry struct {
	Payload    []byte    `json:"payload"`
	FreshUntil time.Time `json:"fresh_until"`
	StaleUntil time.Time `json:"stale_until"`
	Digest     string    `json:"digest"`
	Kind       EntryKind `json:"kind"`

	// NegativeKind is the classification to resurface for negative
	// entries ("not_found" or "auth").
	NegativeKind string `json:"negative_kind,omitempty"`
}

// Fresh reports whether the entry can be served without revalidation.
func (e *Entry) Fresh(now time.Time) bool { return now.Before(e.FreshUntil) }

// WithinGrace reports whether the entry is stale but still inside the
// serve-while-revalidate window.
func (e *Entry) WithinGrace(now time.Time) bool { return now.Before(e.StaleUntil) }

// Stats is the counter view a cache store exposes.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int64 `json:"size"`
	Degraded  bool  `json:"degraded,omitempty"`
}

// Store is the backing capability set shared by the in-process and the
// Redis-backed variants.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, e *Entry) error
	Delete(ctx context.Context, key string) error
	Invalidate(ctx context.Context, prefix string) (int, error)
	Stats(ctx context.Context) Stats
	Close() error
}

// Producer fetches the payload on a cache miss.
type Producer func(ctx context.Context) ([]byte, error)

// Fingerprint derives the canonical cache key for one upstream response:
// endpoint, semantic parameters in sorted order, and the display locale.
// Equal fingerprints always map to semantically equal responses.
func Fingerprint(endpoint string, params url.Values, locale string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(endpoint)
	for _, k := range keys {
		vs := append([]string(nil), params[k]...)
		sort.Strings(vs)
		fmt.Fprintf(&b, "|%s=%s", k, strings.Join(vs, ","))
	}
	b.WriteString("|lang=" + locale)

	sum := sha256.Sum256([]byte(b.String()))
	return endpoint + ":" + hex.EncodeToString(sum[:16])
}

// PayloadDigest computes the content digest stored next to each payload.
func PayloadDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Layer implements the serving-path caching contract on top of a Store:
// request coalescing, stale-while-revalidate, negative caching and
// corrupted-entry self-healing. When a shared store degrades, the layer
// transparently falls through to the in-process fallback.
type Layer struct {
	primary  Store
	fallback Store // nil when primary is already in-process
	flights  *flightGroup
	metrics  *metrics.Metrics
}

// NewLayer builds the cache layer. fallback may be nil.
func NewLayer(primary, fallback Store, m *metrics.Metrics) *Layer {
	return &Layer{
		primary:  primary,
		fallback: fallback,
		flights: newFlightGroup(func() {
			m.CoalescedWaits.Add(1)
		}),
		metrics: m,
	}
}

// GetOrFetch returns the cached payload for fp, fetching it with produce
// at most once per miss window. Stale entries inside the grace window are
// served immediately with a detached background refresh.
func (l *Layer) GetOrFetch(ctx context.Context, fp string, ttl time.Duration, produce Producer) ([]byte, error) {
	now := time.Now()

	if entry := l.lookup(ctx, fp, now); entry != nil {
		if entry.Fresh(now) {
			l.metrics.CacheHit()
			return l.resolve(entry)
		}
		if entry.WithinGrace(now) {
			l.metrics.CacheHit()
			l.revalidate(fp, ttl, produce)
			return l.resolve(entry)
		}
	}

	l.metrics.CacheMiss()
	return l.flights.Do(ctx, fp, func(ctx context.Context) ([]byte, error) {
		// A waiter that lost the miss race may find the entry installed by
		// the time it becomes leader.
		if entry := l.lookup(ctx, fp, time.Now()); entry != nil && entry.Fresh(time.Now()) {
			return l.resolve(entry)
		}
		payload, err := produce(ctx)
		if err != nil {
			l.storeNegative(ctx, fp, err)
			return nil, err
		}
		l.store(ctx, fp, ttl, payload)
		return payload, nil
	})
}

// Invalidate removes entries whose fingerprint starts with prefix.
func (l *Layer) Invalidate(ctx context.Context, prefix string) int {
	n, err := l.primary.Invalidate(ctx, prefix)
	if err != nil {
		l.noteDegraded(err)
		n = 0
	}
	if l.fallback != nil {
		fn, _ := l.fallback.Invalidate(ctx, prefix)
		n += fn
	}
	return n
}

// Stats reports counters from the active store.
func (l *Layer) Stats(ctx context.Context) Stats {
	return l.primary.Stats(ctx)
}

// Close releases store resources.
func (l *Layer) Close() error {
	if l.fallback != nil {
		l.fallback.Close()
	}
	return l.primary.Close()
}

// lookup reads fp from the primary store, falling through to the
// in-process store on backend failure, and self-heals corrupt entries.
func (l *Layer) lookup(ctx context.Context, fp string, now time.Time) *Entry {
	entry, err := l.primary.Get(ctx, fp)
	if err != nil {
		l.noteDegraded(err)
		if l.fallback == nil {
			return nil
		}
		entry, _ = l.fallback.Get(ctx, fp)
	}
	if entry == nil {
		return nil
	}
	if !entry.WithinGrace(now) {
		return nil
	}
	// Corruption check: a stored digest that no longer matches the payload
	// means the entry must never be served.
	if entry.Kind == EntryOK && PayloadDigest(entry.Payload) != entry.Digest {
		log.Warn().Str("fingerprint", fp).Msg("cache entry digest mismatch, purging")
		l.primary.Delete(ctx, fp)
		if l.fallback != nil {
			l.fallback.Delete(ctx, fp)
		}
		return nil
	}
	return entry
}

// resolve turns an entry into its caller-visible result.
func (l *Layer) resolve(entry *Entry) ([]byte, error) {
	if entry.Kind == EntryNegative {
		kind := tmdb.KindNotFound
		if entry.NegativeKind == tmdb.KindAuth.String() {
			kind = tmdb.KindAuth
		}
		return nil, &tmdb.Error{Kind: kind, Message: "negative cache hit"}
	}
	return entry.Payload, nil
}

// store installs a successful payload.
func (l *Layer) store(ctx context.Context, fp string, ttl time.Duration, payload []byte) {
	now := time.Now()
	grace := time.Duration(math.Ceil(graceFactor * float64(ttl)))
	entry := &Entry{
		Payload:    payload,
		FreshUntil: now.Add(ttl),
		StaleUntil: now.Add(grace),
		Digest:     PayloadDigest(payload),
		Kind:       EntryOK,
	}
	if err := l.primary.Set(ctx, fp, entry); err != nil {
		l.noteDegraded(err)
		if l.fallback != nil {
			l.fallback.Set(ctx, fp, entry)
		}
	}
}

// storeNegative installs a typed-failure entry when the failure kind
// warrants it. Transient, quota, timeout and malformed failures are never
// cached.
func (l *Layer) storeNegative(ctx context.Context, fp string, cause error) {
	var ttl time.Duration
	kind := tmdb.KindOf(cause)
	switch kind {
	case tmdb.KindNotFound:
		ttl = negativeTTLNotFound
	case tmdb.KindAuth:
		ttl = negativeTTLAuth
	default:
		return
	}
	if ttl < negativeTTLMin {
		ttl = negativeTTLMin
	}
	if ttl > negativeTTLMax {
		ttl = negativeTTLMax
	}

	now := time.Now()
	entry := &Entry{
		FreshUntil:   now.Add(ttl),
		StaleUntil:   now.Add(ttl),
		Kind:         EntryNegative,
		NegativeKind: kind.String(),
	}
	if err := l.primary.Set(ctx, fp, entry); err != nil {
		l.noteDegraded(err)
		if l.fallback != nil {
			l.fallback.Set(ctx, fp, entry)
		}
	}
}

// revalidate refreshes a stale entry in the background. At most one
// refresh runs per fingerprint; the refresh is not bound to the caller's
// lifetime.
func (l *Layer) revalidate(fp string, ttl time.Duration, produce Producer) {
	if !l.flights.TryStart(fp) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		payload, err := produce(ctx)
		if err != nil {
			// Silent failure: the stale entry stays in place until the
			// grace window closes.
			log.Debug().Str("fingerprint", fp).Err(err).Msg("background revalidation failed")
			l.flights.Finish(fp, nil, err)
			return
		}
		l.store(ctx, fp, ttl, payload)
		l.flights.Finish(fp, payload, nil)
	}()
}

func (l *Layer) noteDegraded(err error) {
	l.metrics.CacheFallback()
	log.Warn().Err(err).Msg("shared cache backend error, falling through to in-process")
}
