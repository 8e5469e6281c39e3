package tmdb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/semi-column/tmdb-discover-plus-sub001/internal/metrics"
	"github.com/semi-column/tmdb-discover-plus-sub001/internal/ratelimit"
)

const (
	// DefaultBaseURL is the TMDB v3 API root.
	DefaultBaseURL = "https://api.themoviedb.org/3"

	// maxBodyBytes bounds a single upstream response body.
	maxBodyBytes = 4 << 20

	defaultTimeout = 12 * time.Second
	retryBackoff   = 150 * time.Millisecond
)

// Config holds the upstream client knobs.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	RPS     float64
	Burst   int
}

// Payload is a fetched upstream response: raw body, its content digest and
// any throttle hint the upstream attached.
type Payload struct {
	Body       []byte
	Digest     string
	RetryAfter time.Duration
}

// Request names one endpoint fetch for the batched helper.
type Request struct {
	Endpoint string
	Params   url.Values
	Locale   string
}

// Client issues authenticated, rate-limited GETs against the content
// database. All operations are read-only and safely retryable. A single
// Client is shared process-wide so the token bucket covers every caller.
type Client struct {
	http    *http.Client
	base    string
	key     string
	timeout time.Duration
	bucket  *ratelimit.Bucket
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
}

// NewClient creates the upstream client. metrics may not be nil.
func NewClient(cfg Config, m *metrics.Metrics) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 35
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RPS)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "tmdb",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 8
		},
		IsSuccessful: func(err error) bool {
			// Typed upstream answers (not found, auth, malformed) are the
			// upstream working correctly; only transport-level failures
			// count against the breaker.
			if err == nil {
				return true
			}
			k := KindOf(err)
			return k == KindNotFound || k == KindAuth || k == KindMalformed
		},
	})

	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout + time.Second},
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		key:     cfg.APIKey,
		timeout: cfg.Timeout,
		bucket:  ratelimit.NewBucket(cfg.RPS, cfg.Burst),
		breaker: breaker,
		metrics: m,
	}
}

// Bucket exposes the shared token bucket for observability.
func (c *Client) Bucket() *ratelimit.Bucket { return c.bucket }

// Fetch issues one GET against endpoint, retrying once with jittered
// backoff on transient or timeout failures. The display locale is carried
// as the language parameter so the fingerprint and the payload agree.
func (c *Client) Fetch(ctx context.Context, endpoint string, params url.Values, locale string) (*Payload, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			backoff := retryBackoff + time.Duration(rand.Int63n(int64(retryBackoff)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, &Error{Kind: KindTimeout, Message: "cancelled during retry backoff", wrapped: ctx.Err()}
			}
		}

		payload, err := c.fetchOnce(ctx, endpoint, params, locale)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		if !KindOf(err).Retryable() {
			break
		}
	}
	return nil, lastErr
}

// FetchMany runs several fetches with bounded parallelism, preserving
// request order in the result slice. The first error is returned; requests
// that completed before it are kept.
func (c *Client) FetchMany(ctx context.Context, reqs []Request) ([]*Payload, error) {
	payloads := make([]*Payload, len(reqs))
	errs := make([]error, len(reqs))

	sem := make(chan struct{}, 4)
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			payloads[i], errs[i] = c.Fetch(ctx, req.Endpoint, req.Params, req.Locale)
		}(i, req)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return payloads, err
		}
	}
	return payloads, nil
}

// FetchJSON fetches and decodes into v. Undecodable bodies classify as
// malformed.
func (c *Client) FetchJSON(ctx context.Context, endpoint string, params url.Values, locale string, v any) (*Payload, error) {
	payload, err := c.Fetch(ctx, endpoint, params, locale)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload.Body, v); err != nil {
		return nil, &Error{Kind: KindMalformed, Message: "undecodable payload", wrapped: err}
	}
	return payload, nil
}

func (c *Client) fetchOnce(ctx context.Context, endpoint string, params url.Values, locale string) (*Payload, error) {
	if c.bucket.Tokens() < 1 {
		c.metrics.TokenWaits.Add(1)
	}
	if err := c.bucket.Acquire(ctx); err != nil {
		return nil, &Error{Kind: KindTimeout, Message: "rate limit wait cancelled", wrapped: err}
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.doCall(ctx, endpoint, params, locale)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &Error{Kind: KindTransient, Message: "circuit breaker open", wrapped: err}
		}
		return nil, err
	}
	return result.(*Payload), nil
}

func (c *Client) doCall(ctx context.Context, endpoint string, params url.Values, locale string) (*Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.base + "/" + strings.TrimLeft(endpoint, "/")
	q := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if locale != "" {
		q.Set("language", locale)
	}
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Message: "bad request", wrapped: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}

	c.metrics.UpstreamStart()
	defer c.metrics.UpstreamDone()

	resp, err := c.http.Do(req)
	if err != nil {
		kind := KindTransient
		if ctx.Err() != nil || isTimeout(err) {
			kind = KindTimeout
		}
		c.metrics.UpstreamError(kind.String())
		return nil, &Error{Kind: kind, Message: "request failed", wrapped: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := ClassifyStatus(resp.StatusCode)
		retryAfter := parseRetryAfter(resp.Header)
		if kind == KindQuota && retryAfter > 0 {
			// The upstream delay is an absolute lower bound; empty the
			// bucket so banked burst cannot cascade into the window.
			c.bucket.Drain(time.Now().Add(retryAfter))
			log.Warn().Dur("retry_after", retryAfter).Msg("upstream quota hit, draining token bucket")
		}
		c.metrics.UpstreamError(kind.String())
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, &Error{
			Kind:       kind,
			Status:     resp.StatusCode,
			Message:    string(snippet),
			RetryAfter: retryAfter,
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		kind := KindTransient
		if ctx.Err() != nil {
			kind = KindTimeout
		}
		c.metrics.UpstreamError(kind.String())
		return nil, &Error{Kind: kind, Message: "body read failed", wrapped: err}
	}

	digest := sha256.Sum256(body)
	return &Payload{
		Body:       body,
		Digest:     hex.EncodeToString(digest[:]),
		RetryAfter: parseRetryAfter(resp.Header),
	}, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// CanonicalParams renders params in sorted-key order for fingerprinting.
// Two requests with the same semantic parameters always produce the same
// string regardless of insertion order.
func CanonicalParams(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		vs := append([]string(nil), params[k]...)
		sort.Strings(vs)
		fmt.Fprintf(&b, "%s=%s", k, strings.Join(vs, ","))
	}
	return b.String()
}
