package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Histogram tracks latencies in a fixed-size circular buffer and computes
// percentiles over the rolling window.
type Histogram struct {
	mu      sync.RWMutex
	samples []float64 // milliseconds
	maxSize int
	current int
	full    bool
}

// NewHistogram creates a histogram with the given rolling window size.
func NewHistogram(maxSize int) *Histogram {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Histogram{
		samples: make([]float64, maxSize),
		maxSize: maxSize,
	}
}

// Record adds one latency measurement.
func (h *Histogram) Record(d time.Duration) {
	ms := float64(d.Nanoseconds()) / 1e6

	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples[h.current] = ms
	h.current = (h.current + 1) % h.maxSize
	if !h.full && h.current == 0 {
		h.full = true
	}
}

// Percentile computes the p-th percentile (0.0-1.0) in milliseconds.
func (h *Histogram) Percentile(p float64) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	size := h.size()
	if size == 0 {
		return 0
	}

	values := make([]float64, size)
	if h.full {
		copy(values, h.samples)
	} else {
		copy(values, h.samples[:h.current])
	}
	sort.Float64s(values)

	idx := int(math.Ceil(p*float64(size))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= size {
		idx = size - 1
	}
	return values[idx]
}

// Count returns the number of recorded samples in the window.
func (h *Histogram) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size()
}

func (h *Histogram) size() int {
	if h.full {
		return h.maxSize
	}
	return h.current
}

// Summary is the percentile snapshot surfaced on the health endpoint.
type Summary struct {
	Count int     `json:"count"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
}

// Snapshot computes the summary for the current window.
func (h *Histogram) Snapshot() Summary {
	return Summary{
		Count: h.Count(),
		P50:   h.Percentile(0.50),
		P95:   h.Percentile(0.95),
	}
}
