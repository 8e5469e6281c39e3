package cache

import (
	"container/heap"
	"container/list"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxEntries is the in-process entry cap.
const DefaultMaxEntries = 50000

// memoryItem is one linked-hash node: the list element carries the key so
// LRU eviction can reach back into the map.
type memoryItem struct {
	key   string
	entry *Entry
}

// MemoryStore is the in-process Store: a linked-hash map with LRU
// discipline, a hard entry cap and exact stats. A janitor goroutine sweeps
// entries that outlived their grace window.
type MemoryStore struct {
	mu         sync.Mutex
	items      map[string]*list.Element
	lru        *list.List // front = most recently used
	maxEntries int

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	stopJanitor chan struct{}
	stopOnce    sync.Once
}

// NewMemoryStore creates an in-process store capped at maxEntries.
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	s := &MemoryStore{
		items:       make(map[string]*list.Element),
		lru:         list.New(),
		maxEntries:  maxEntries,
		stopJanitor: make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Get returns the entry for key, promoting it in the LRU order.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		s.misses.Add(1)
		return nil, nil
	}
	item := el.Value.(*memoryItem)
	if !item.entry.WithinGrace(time.Now()) {
		s.dropLocked(el)
		s.evictions.Add(1)
		s.misses.Add(1)
		return nil, nil
	}
	s.lru.MoveToFront(el)
	s.hits.Add(1)
	return item.entry, nil
}

// Set installs or overwrites the entry for key, evicting when at capacity.
// Insertion never fails: eviction always frees room.
func (s *MemoryStore) Set(_ context.Context, key string, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		el.Value.(*memoryItem).entry = e
		s.lru.MoveToFront(el)
		return nil
	}

	if len(s.items) >= s.maxEntries {
		s.makeRoomLocked()
	}
	el := s.lru.PushFront(&memoryItem{key: key, entry: e})
	s.items[key] = el
	return nil
}

// Delete removes key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[key]; ok {
		s.dropLocked(el)
	}
	return nil
}

// Invalidate removes every entry whose key starts with prefix. Safe to call
// while readers are active; readers simply miss afterwards.
func (s *MemoryStore) Invalidate(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, el := range s.items {
		if strings.HasPrefix(key, prefix) {
			s.dropLocked(el)
			removed++
		}
	}
	return removed, nil
}

// Stats reports exact counters.
func (s *MemoryStore) Stats(_ context.Context) Stats {
	s.mu.Lock()
	size := int64(len(s.items))
	s.mu.Unlock()

	return Stats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
		Size:      size,
	}
}

// Len reports the current entry count.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopJanitor) })
	return nil
}

// makeRoomLocked applies the capacity policy: purge everything beyond its
// grace window first, and only if that freed nothing evict the 10% of
// entries with the least remaining freshness.
func (s *MemoryStore) makeRoomLocked() {
	now := time.Now()
	for _, el := range s.items {
		if !el.Value.(*memoryItem).entry.WithinGrace(now) {
			s.removeLocked(el)
		}
	}
	if len(s.items) < s.maxEntries {
		return
	}

	k := s.maxEntries / 10
	if k < 1 {
		k = 1
	}
	victims := make(victimHeap, 0, k+1)
	for _, el := range s.items {
		heap.Push(&victims, el)
		if victims.Len() > k {
			heap.Pop(&victims)
		}
	}
	for _, el := range victims {
		s.removeLocked(el)
	}
}

// victimHeap keeps the k entries with the least remaining freshness: a
// max-heap on FreshUntil whose root is popped whenever the heap grows past
// k, so a full pass costs O(n log k) instead of a whole-set sort.
type victimHeap []*list.Element

func (h victimHeap) Len() int { return len(h) }
func (h victimHeap) Less(i, j int) bool {
	return h[i].Value.(*memoryItem).entry.FreshUntil.After(
		h[j].Value.(*memoryItem).entry.FreshUntil)
}
func (h victimHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *victimHeap) Push(x any)   { *h = append(*h, x.(*list.Element)) }
func (h *victimHeap) Pop() any {
	old := *h
	n := len(old)
	el := old[n-1]
	*h = old[:n-1]
	return el
}

// removeLocked drops an entry and counts it as an eviction.
func (s *MemoryStore) removeLocked(el *list.Element) {
	s.dropLocked(el)
	s.evictions.Add(1)
}

// dropLocked drops an entry without touching the eviction counter; explicit
// deletes and invalidations are not evictions.
func (s *MemoryStore) dropLocked(el *list.Element) {
	item := el.Value.(*memoryItem)
	delete(s.items, item.key)
	s.lru.Remove(el)
}

// janitor sweeps expired entries so memory is reclaimed even when keys are
// never read again.
func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for _, el := range s.items {
				if !el.Value.(*memoryItem).entry.WithinGrace(now) {
					s.removeLocked(el)
				}
			}
			s.mu.Unlock()
		case <-s.stopJanitor:
			return
		}
	}
}
