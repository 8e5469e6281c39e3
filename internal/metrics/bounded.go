package metrics

import (
	"sync"
)

// boundedEntry pairs a label with its counter so eviction can walk
// insertion order.
type boundedEntry struct {
	label string
	count int64
}

// BoundedCounters is a label→counter map with a hard cardinality cap.
// When the cap is reached the oldest label is evicted. Increments are
// non-blocking: under lock contention the sample is dropped rather than
// stalling the caller.
type BoundedCounters struct {
	mu      sync.Mutex
	entries map[string]*boundedEntry
	order   []string
	cap     int
	dropped int64
}

// NewBoundedCounters creates a counter map capped at the given cardinality.
func NewBoundedCounters(cardinality int) *BoundedCounters {
	if cardinality <= 0 {
		cardinality = 500
	}
	return &BoundedCounters{
		entries: make(map[string]*boundedEntry),
		cap:     cardinality,
	}
}

// Inc adds one to the counter for label. Emission never blocks; a
// contended lock drops the sample.
func (b *BoundedCounters) Inc(label string) {
	if !b.mu.TryLock() {
		return
	}
	defer b.mu.Unlock()

	if e, ok := b.entries[label]; ok {
		e.count++
		return
	}
	if len(b.order) >= b.cap {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.entries, oldest)
		b.dropped++
	}
	b.entries[label] = &boundedEntry{label: label, count: 1}
	b.order = append(b.order, label)
}

// Get returns the current count for label.
func (b *BoundedCounters) Get(label string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[label]; ok {
		return e.count
	}
	return 0
}

// Snapshot copies the current label→count view.
func (b *BoundedCounters) Snapshot() map[string]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int64, len(b.entries))
	for label, e := range b.entries {
		out[label] = e.count
	}
	return out
}

// Len reports current cardinality.
func (b *BoundedCounters) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// BoundedHistograms is a label→histogram map with the same cap and
// oldest-eviction discipline as BoundedCounters.
type BoundedHistograms struct {
	mu         sync.Mutex
	hists      map[string]*Histogram
	order      []string
	cap        int
	windowSize int
}

// NewBoundedHistograms creates a histogram map capped at the given
// cardinality, each histogram holding windowSize samples.
func NewBoundedHistograms(cardinality, windowSize int) *BoundedHistograms {
	if cardinality <= 0 {
		cardinality = 500
	}
	return &BoundedHistograms{
		hists:      make(map[string]*Histogram),
		cap:        cardinality,
		windowSize: windowSize,
	}
}

// Observe records one latency sample for label.
func (b *BoundedHistograms) Observe(label string, h func(*Histogram)) {
	b.mu.Lock()
	hist, ok := b.hists[label]
	if !ok {
		if len(b.order) >= b.cap {
			oldest := b.order[0]
			b.order = b.order[1:]
			delete(b.hists, oldest)
		}
		hist = NewHistogram(b.windowSize)
		b.hists[label] = hist
		b.order = append(b.order, label)
	}
	b.mu.Unlock()

	h(hist)
}

// Snapshot returns percentile summaries per label.
func (b *BoundedHistograms) Snapshot() map[string]Summary {
	b.mu.Lock()
	labels := make([]string, 0, len(b.hists))
	hists := make([]*Histogram, 0, len(b.hists))
	for label, h := range b.hists {
		labels = append(labels, label)
		hists = append(hists, h)
	}
	b.mu.Unlock()

	out := make(map[string]Summary, len(labels))
	for i, label := range labels {
		out[label] = hists[i].Snapshot()
	}
	return out
}
