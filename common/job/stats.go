package job

import (
	"sort"
	"sync"

	"github.com/samber/lo"
	"github.com/samber/mo"
)

// StatsVersion is bumped whenever the meaning of a counter key changes.
const StatsVersion = 1

// Stats is a typed, versioned counter snapshot attached to a job. Merging a
// sub-pipeline's stats into job-level stats is additive per key.
type Stats struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewStats creates an empty counter set.
func NewStats() *Stats {
	return &Stats{counters: make(map[string]int64)}
}

// Set overwrites a counter.
func (s *Stats) Set(key string, value int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key] = value
}

// Add increments a counter, creating it at zero first if absent.
func (s *Stats) Add(key string, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key] += delta
}

// Get returns the counter value, or None when the key was never written.
func (s *Stats) Get(key string) mo.Option[int64] {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.counters[key]
	if !ok {
		return mo.None[int64]()
	}
	return mo.Some(v)
}

// Merge folds other into s additively. Keys only present in other are copied.
func (s *Stats) Merge(other map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range other {
		s.counters[k] += v
	}
}

// Snapshot returns a detached copy including the schema version marker.
func (s *Stats) Snapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := lo.Assign(map[string]int64{}, s.counters)
	out["stats_version"] = StatsVersion
	return out
}

// Keys returns the counter names in sorted order, without the version marker.
func (s *Stats) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := lo.Keys(s.counters)
	sort.Strings(keys)
	return keys
}
