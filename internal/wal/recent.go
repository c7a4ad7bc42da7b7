package wal

import (
	"sync"
	"time"
)

// RecentWrites tracks which collection identifiers were written recently,
// driving the consistency-window read pin. Both the name and the UUID a
// client used may be recorded for the same collection; lookups try the
// identifier as given.
type RecentWrites struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewRecentWrites builds an empty map.
func NewRecentWrites() *RecentWrites {
	return &RecentWrites{entries: make(map[string]time.Time)}
}

// Record notes a write to the given collection identifiers now.
func (r *RecentWrites) Record(ids ...string) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if id != "" {
			r.entries[id] = now
		}
	}
	// Opportunistic prune: drop anything older than an hour so the map
	// cannot grow without bound regardless of the configured window.
	if len(r.entries) > 4096 {
		cutoff := now.Add(-time.Hour)
		for k, t := range r.entries {
			if t.Before(cutoff) {
				delete(r.entries, k)
			}
		}
	}
}

// WrittenWithin reports whether the identifier saw a write inside the
// window.
func (r *RecentWrites) WrittenWithin(id string, window time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.entries[id]
	return ok && time.Since(t) < window
}
