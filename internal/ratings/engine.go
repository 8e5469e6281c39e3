package ratings

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/semi-column/tmdb-discover-plus-sub001/internal/metrics"
)

// DefaultDatasetURL is the public IMDb ratings export.
const DefaultDatasetURL = "https://datasets.imdbws.com/title.ratings.tsv.gz"

const (
	// DefaultMinVotes filters titles with too few votes to be meaningful.
	DefaultMinVotes = 100
	// DefaultRefreshInterval is how often the dataset is re-checked.
	DefaultRefreshInterval = 24 * time.Hour

	// batchYield is how many rows are parsed between cooperative yields so
	// lookups progress while a multi-minute import streams.
	batchYield = 10000

	downloadTimeout = 15 * time.Minute
)

// State is the engine lifecycle phase.
type State int

const (
	StateUninitialised State = iota
	StateLoading
	StateReady
	StateRefreshing
	StateReadyStale
)

// String returns the stats label for the state.
func (s State) String() string {
	switch s {
	case StateUninitialised:
		return "uninitialised"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateRefreshing:
		return "refreshing"
	case StateReadyStale:
		return "ready-stale"
	default:
		return "unknown"
	}
}

// Config holds the engine knobs.
type Config struct {
	DatasetURL      string
	MinVotes        int
	RefreshInterval time.Duration
}

// Engine downloads, filters and serves the ratings dataset. Lookups never
// block: before the first successful import every lookup is a miss.
type Engine struct {
	store   Store
	cfg     Config
	http    *http.Client
	metrics *metrics.Metrics

	mu    sync.Mutex
	state State
}

// NewEngine creates the engine over the given store.
func NewEngine(store Store, cfg Config, m *metrics.Metrics) *Engine {
	if cfg.DatasetURL == "" {
		cfg.DatasetURL = DefaultDatasetURL
	}
	if cfg.MinVotes <= 0 {
		cfg.MinVotes = DefaultMinVotes
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	e := &Engine{
		store:   store,
		cfg:     cfg,
		http:    &http.Client{Timeout: downloadTimeout},
		metrics: m,
		state:   StateUninitialised,
	}
	m.RegisterGauge("ratings_live_set_size", func() int64 {
		n, err := store.Count(context.Background())
		if err != nil {
			return -1
		}
		return n
	})
	return e
}

// State reports the current lifecycle phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Lookup returns the rating for one IMDb id. Uninitialised engines answer
// with a miss immediately.
func (e *Engine) Lookup(ctx context.Context, id string) (Record, bool, error) {
	return e.store.Lookup(ctx, id)
}

// LookupMany resolves a page worth of ids against one consistent snapshot.
func (e *Engine) LookupMany(ctx context.Context, ids []string) (map[string]Record, error) {
	return e.store.LookupMany(ctx, ids)
}

// Run performs the initial ingest and then refreshes on the configured
// interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	if err := e.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial ratings ingest failed, serving misses until next refresh")
	}

	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("ratings refresh failed, live set retained")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Refresh runs one conditional ingest cycle. An unchanged dataset tag with
// a non-empty local set skips the download entirely. Any failure retains
// the live set.
func (e *Engine) Refresh(ctx context.Context) error {
	e.enterIngest()

	err := e.refresh(ctx)
	if err != nil {
		e.metrics.IngestOutcome(false)
		e.leaveIngest(false)
		return err
	}
	e.metrics.IngestOutcome(true)
	e.leaveIngest(true)
	return nil
}

func (e *Engine) refresh(ctx context.Context) error {
	prior, err := e.store.State(ctx)
	if err != nil {
		return fmt.Errorf("read import state: %w", err)
	}
	count, err := e.store.Count(ctx)
	if err != nil {
		return fmt.Errorf("read live count: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.DatasetURL, nil)
	if err != nil {
		return err
	}
	if prior.ETag != "" && count > 0 {
		req.Header.Set("If-None-Match", prior.ETag)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("dataset fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		log.Info().Str("etag", prior.ETag).Int64("records", count).Msg("ratings dataset unchanged, skipping ingest")
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dataset fetch: unexpected status %d", resp.StatusCode)
	}

	staging, err := e.store.BeginImport(ctx)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}

	imported, err := e.ingest(ctx, resp.Body, staging)
	if err != nil {
		staging.Abort(context.WithoutCancel(ctx))
		return err
	}

	state := ImportState{
		ETag:       resp.Header.Get("ETag"),
		LastImport: time.Now(),
		Count:      imported,
	}
	if err := staging.Commit(ctx, state); err != nil {
		staging.Abort(context.WithoutCancel(ctx))
		return fmt.Errorf("commit import: %w", err)
	}

	log.Info().Int("records", imported).Str("etag", state.ETag).Msg("ratings dataset imported")
	return nil
}

// ingest stream-decompresses the TSV body line by line: skip the header,
// parse id / rating / votes, drop rows under the vote threshold. Every
// batchYield rows the loop checks for cancellation and yields so readers
// progress during the import.
func (e *Engine) ingest(ctx context.Context, body io.Reader, staging Staging) (int, error) {
	gz, err := gzip.NewReader(body)
	if err != nil {
		return 0, fmt.Errorf("dataset decompress: %w", err)
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	imported := 0
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo == 1 {
			continue // header: tconst\taverageRating\tnumVotes
		}

		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != 3 {
			continue
		}
		rating, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		votes, err := strconv.Atoi(fields[2])
		if err != nil || votes < e.cfg.MinVotes {
			continue
		}

		if err := staging.Add(ctx, fields[0], Record{Rating: rating, Votes: votes}); err != nil {
			return imported, fmt.Errorf("stage row %d: %w", lineNo, err)
		}
		imported++

		if imported%batchYield == 0 {
			select {
			case <-ctx.Done():
				return imported, ctx.Err()
			default:
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return imported, fmt.Errorf("dataset read: %w", err)
	}
	return imported, nil
}

func (e *Engine) enterIngest() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateUninitialised {
		e.state = StateLoading
	} else {
		e.state = StateRefreshing
	}
}

func (e *Engine) leaveIngest(ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case ok:
		e.state = StateReady
	case e.state == StateLoading:
		e.state = StateUninitialised
	default:
		e.state = StateReadyStale
	}
}
