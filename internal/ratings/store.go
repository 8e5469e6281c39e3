// Package ratings materialises the IMDb ratings dataset locally and serves
// point and bulk lookups from it.
package ratings

import (
	"context"
	"sync/atomic"
	"time"
)

// Record is one title's rating after import filtering.
type Record struct {
	Rating float64 `json:"rating"`
	Votes  int     `json:"votes"`
}

// ImportState describes the last successful import.
type ImportState struct {
	ETag       string    `json:"etag"`
	LastImport time.Time `json:"last_import"`
	Count      int       `json:"count"`
}

// Store is the capability set shared by the in-memory and Redis-backed
// variants. Imports go through a Staging handle so the live set is replaced
// in one visible step: readers see either the full old set or the full new
// set, never a mixture.
type Store interface {
	Lookup(ctx context.Context, id string) (Record, bool, error)
	LookupMany(ctx context.Context, ids []string) (map[string]Record, error)
	BeginImport(ctx context.Context) (Staging, error)
	State(ctx context.Context) (ImportState, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// Staging accumulates an import. Add may buffer; Commit performs the atomic
// swap and persists the import state. Abort discards the staged set and
// leaves the live set untouched.
type Staging interface {
	Add(ctx context.Context, id string, rec Record) error
	Commit(ctx context.Context, state ImportState) error
	Abort(ctx context.Context) error
}

// ratingSet is the immutable snapshot published by a memory-store commit.
type ratingSet struct {
	records map[string]Record
	state   ImportState
}

// MemoryStore keeps the live set on-heap behind an atomic pointer: lookups
// are lock-free reads of whichever snapshot was current when they started.
type MemoryStore struct {
	live atomic.Pointer[ratingSet]
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.live.Store(&ratingSet{records: map[string]Record{}})
	return s
}

// Lookup returns the record for id from the current snapshot.
func (s *MemoryStore) Lookup(_ context.Context, id string) (Record, bool, error) {
	set := s.live.Load()
	rec, ok := set.records[id]
	return rec, ok, nil
}

// LookupMany resolves every id against one consistent snapshot.
func (s *MemoryStore) LookupMany(_ context.Context, ids []string) (map[string]Record, error) {
	set := s.live.Load()
	out := make(map[string]Record, len(ids))
	for _, id := range ids {
		if rec, ok := set.records[id]; ok {
			out[id] = rec
		}
	}
	return out, nil
}

// BeginImport opens a staging set.
func (s *MemoryStore) BeginImport(_ context.Context) (Staging, error) {
	return &memoryStaging{
		store:   s,
		records: make(map[string]Record, 1<<16),
	}, nil
}

// State returns the last committed import state.
func (s *MemoryStore) State(_ context.Context) (ImportState, error) {
	return s.live.Load().state, nil
}

// Count reports the live record count.
func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	return int64(len(s.live.Load().records)), nil
}

// Close is a no-op for the in-memory variant.
func (s *MemoryStore) Close() error { return nil }

type memoryStaging struct {
	store   *MemoryStore
	records map[string]Record
}

func (st *memoryStaging) Add(_ context.Context, id string, rec Record) error {
	st.records[id] = rec
	return nil
}

// Commit publishes the staged set with a single pointer swap.
func (st *memoryStaging) Commit(_ context.Context, state ImportState) error {
	st.store.live.Store(&ratingSet{records: st.records, state: state})
	return nil
}

func (st *memoryStaging) Abort(_ context.Context) error {
	st.records = nil
	return nil
}
