package dispatcher

import (
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
)

// workMapShards is the number of independent lock domains a workMap
// spreads its entries across, selected by xxhash of the key so that the
// deduplication filter, the worker goroutines removing finished work and
// the periodic sweep don't all contend on one mutex (spec.md §4.4,
// SPEC_FULL.md dispatcher dedup section).
const workMapShards = 32

type shard struct {
	mu    sync.Mutex
	items map[string]time.Time
}

// workMap is a concurrent-safe set of in-flight work identifiers keyed by
// their string form, with insertion timestamps so stale entries can be
// swept.
type workMap struct {
	shards [workMapShards]*shard
}

func newWorkMap() *workMap {
	m := &workMap{}
	for i := range m.shards {
		m.shards[i] = &shard{items: make(map[string]time.Time)}
	}
	return m
}

func (m *workMap) shardFor(key string) *shard {
	h := xxhash.ChecksumString64(key)
	return m.shards[h%uint64(workMapShards)]
}

// Has reports whether key is currently tracked.
func (m *workMap) Has(key string) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key]
	return ok
}

// Set records key as in-flight as of now.
func (m *workMap) Set(key string, now time.Time) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = now
}

// Delete removes key, if present.
func (m *workMap) Delete(key string) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

// Sweep deletes every entry older than maxAge and returns how many were
// removed (spec.md §4.4 edge case: dedup entries must not grow unbounded).
func (m *workMap) Sweep(now time.Time, maxAge time.Duration) int {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, t := range s.items {
			if now.Sub(t) > maxAge {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the total number of tracked entries across all shards.
func (m *workMap) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}
