package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics is the in-process observability registry. Counters and gauges are
// plain atomics surfaced on /health; the Prometheus registry mirrors the
// hot-path counters for scrape-based collection at /metrics.
type Metrics struct {
	Requests       atomic.Int64
	CacheHits      atomic.Int64
	CacheMisses    atomic.Int64
	CoalescedWaits atomic.Int64
	CacheFallbacks atomic.Int64
	UpstreamCalls  atomic.Int64
	TokenWaits     atomic.Int64
	IngestSuccess  atomic.Int64
	IngestFailure  atomic.Int64

	InFlightUpstream atomic.Int64

	// Per-kind error counts and per-endpoint latencies are bounded maps so
	// hostile or buggy label sets cannot grow without limit.
	ErrorsByKind *BoundedCounters
	Latency      *BoundedHistograms

	mu       sync.Mutex
	gaugeFns map[string]func() int64

	registry       *prometheus.Registry
	promRequests   *prometheus.CounterVec
	promCache      *prometheus.CounterVec
	promUpstream   prometheus.Counter
	promErrors     *prometheus.CounterVec
	promLatency    *prometheus.HistogramVec
	promInFlight   prometheus.Gauge
	promIngestRuns *prometheus.CounterVec
}

// New creates a registry with the given per-label cardinality cap.
func New(cardinality int) *Metrics {
	m := &Metrics{
		ErrorsByKind: NewBoundedCounters(cardinality),
		Latency:      NewBoundedHistograms(cardinality, 1000),
		gaugeFns:     make(map[string]func() int64),
		registry:     prometheus.NewRegistry(),
	}

	m.promRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "addon_requests_total",
		Help: "Total HTTP requests by endpoint",
	}, []string{"endpoint"})

	m.promCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "addon_cache_events_total",
		Help: "Cache hits and misses by outcome",
	}, []string{"outcome"})

	m.promUpstream = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "addon_upstream_calls_total",
		Help: "Total calls issued to the content database",
	})

	m.promErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "addon_upstream_errors_total",
		Help: "Classified upstream failures",
	}, []string{"kind"})

	m.promLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "addon_request_duration_seconds",
		Help:    "Request handling latency by endpoint",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"endpoint"})

	m.promInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "addon_upstream_in_flight",
		Help: "Upstream calls currently in flight",
	})

	m.promIngestRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "addon_ratings_ingest_total",
		Help: "Ratings ingest outcomes",
	}, []string{"outcome"})

	m.registry.MustRegister(
		m.promRequests, m.promCache, m.promUpstream,
		m.promErrors, m.promLatency, m.promInFlight, m.promIngestRuns,
	)
	return m
}

// Registry exposes the Prometheus registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Request records one handled request against an endpoint label.
func (m *Metrics) Request(endpoint string) {
	m.Requests.Add(1)
	m.promRequests.WithLabelValues(endpoint).Inc()
}

// ObserveLatency records one request latency sample.
func (m *Metrics) ObserveLatency(endpoint string, d time.Duration) {
	m.Latency.Observe(endpoint, func(h *Histogram) { h.Record(d) })
	m.promLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

// CacheHit records a cache hit.
func (m *Metrics) CacheHit() {
	m.CacheHits.Add(1)
	m.promCache.WithLabelValues("hit").Inc()
}

// CacheMiss records a cache miss.
func (m *Metrics) CacheMiss() {
	m.CacheMisses.Add(1)
	m.promCache.WithLabelValues("miss").Inc()
}

// CacheFallback records a shared-backend failure served from the
// in-process fallback.
func (m *Metrics) CacheFallback() {
	m.CacheFallbacks.Add(1)
	m.promCache.WithLabelValues("fallback").Inc()
}

// UpstreamStart marks an upstream call entering flight.
func (m *Metrics) UpstreamStart() {
	m.UpstreamCalls.Add(1)
	m.InFlightUpstream.Add(1)
	m.promUpstream.Inc()
	m.promInFlight.Inc()
}

// UpstreamDone marks an upstream call leaving flight.
func (m *Metrics) UpstreamDone() {
	m.InFlightUpstream.Add(-1)
	m.promInFlight.Dec()
}

// UpstreamError records a classified upstream failure.
func (m *Metrics) UpstreamError(kind string) {
	m.ErrorsByKind.Inc(kind)
	m.promErrors.WithLabelValues(kind).Inc()
}

// IngestOutcome records a ratings ingest run result.
func (m *Metrics) IngestOutcome(ok bool) {
	if ok {
		m.IngestSuccess.Add(1)
		m.promIngestRuns.WithLabelValues("success").Inc()
	} else {
		m.IngestFailure.Add(1)
		m.promIngestRuns.WithLabelValues("failure").Inc()
	}
}

// RegisterGauge installs a named gauge callback, read at snapshot time.
// Re-registering a name replaces the previous callback.
func (m *Metrics) RegisterGauge(name string, fn func() int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gaugeFns[name] = fn
}

// Snapshot is the point-in-time view surfaced on /health and /api/status.
type SnapshotData struct {
	Requests       int64              `json:"requests"`
	CacheHits      int64              `json:"cache_hits"`
	CacheMisses    int64              `json:"cache_misses"`
	CoalescedWaits int64              `json:"coalesced_waits"`
	CacheFallbacks int64              `json:"cache_fallbacks"`
	UpstreamCalls  int64              `json:"upstream_calls"`
	TokenWaits     int64              `json:"token_bucket_waits"`
	IngestSuccess  int64              `json:"ingest_successes"`
	IngestFailure  int64              `json:"ingest_failures"`
	InFlight       int64              `json:"upstream_in_flight"`
	ErrorsByKind   map[string]int64   `json:"errors_by_kind"`
	Gauges         map[string]int64   `json:"gauges"`
	Latency        map[string]Summary `json:"latency"`
}

// Snapshot collects every counter, gauge and latency summary.
func (m *Metrics) Snapshot() SnapshotData {
	m.mu.Lock()
	gauges := make(map[string]int64, len(m.gaugeFns))
	fns := make(map[string]func() int64, len(m.gaugeFns))
	for name, fn := range m.gaugeFns {
		fns[name] = fn
	}
	m.mu.Unlock()

	for name, fn := range fns {
		gauges[name] = fn()
	}

	return SnapshotData{
		Requests:       m.Requests.Load(),
		CacheHits:      m.CacheHits.Load(),
		CacheMisses:    m.CacheMisses.Load(),
		CoalescedWaits: m.CoalescedWaits.Load(),
		CacheFallbacks: m.CacheFallbacks.Load(),
		UpstreamCalls:  m.UpstreamCalls.Load(),
		TokenWaits:     m.TokenWaits.Load(),
		IngestSuccess:  m.IngestSuccess.Load(),
		IngestFailure:  m.IngestFailure.Load(),
		InFlight:       m.InFlightUpstream.Load(),
		ErrorsByKind:   m.ErrorsByKind.Snapshot(),
		Gauges:         gauges,
		Latency:        m.Latency.Snapshot(),
	}
}

// GatheredTotal sums the sample values for one metric family in the
// Prometheus registry. Used by /api/status for coarse counts without
// keeping a parallel tally.
func (m *Metrics) GatheredTotal(family string) float64 {
	families, err := m.registry.Gather()
	if err != nil {
		return 0
	}
	var total float64
	for _, f := range families {
		if f.GetName() != family {
			continue
		}
		for _, sample := range f.GetMetric() {
			total += metricValue(sample)
		}
	}
	return total
}

func metricValue(s *dto.Metric) float64 {
	switch {
	case s.GetCounter() != nil:
		return s.GetCounter().GetValue()
	case s.GetGauge() != nil:
		return s.GetGauge().GetValue()
	case s.GetHistogram() != nil:
		return float64(s.GetHistogram().GetSampleCount())
	default:
		return 0
	}
}
