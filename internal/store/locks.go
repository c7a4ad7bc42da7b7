package store

import "sync"

// Locks implements the granular locking scheme: four independent domains
// (WAL append/update, mapping upsert/delete, metrics counters, status
// snapshot), each with its own mutex. No task may hold two domain locks at
// once; that discipline is by convention, not enforced.
//
// With granular locking disabled, all four domains collapse onto a single
// mutex for simpler deployments.
type Locks struct {
	granular bool

	single  sync.Mutex
	wal     sync.Mutex
	mapping sync.Mutex
	metrics sync.Mutex
	status  sync.Mutex
}

// NewLocks builds the lock set. granular=false collapses every domain onto
// one mutex.
func NewLocks(granular bool) *Locks {
	return &Locks{granular: granular}
}

// LockWAL locks the WAL domain and returns the unlock function.
func (l *Locks) LockWAL() func() {
	if !l.granular {
		l.single.Lock()
		return l.single.Unlock
	}
	l.wal.Lock()
	return l.wal.Unlock
}

// LockMapping locks the mapping domain.
func (l *Locks) LockMapping() func() {
	if !l.granular {
		l.single.Lock()
		return l.single.Unlock
	}
	l.mapping.Lock()
	return l.mapping.Unlock
}

// LockMetrics locks the metrics domain.
func (l *Locks) LockMetrics() func() {
	if !l.granular {
		l.single.Lock()
		return l.single.Unlock
	}
	l.metrics.Lock()
	return l.metrics.Unlock
}

// LockStatus locks the status snapshot domain.
func (l *Locks) LockStatus() func() {
	if !l.granular {
		l.single.Lock()
		return l.single.Unlock
	}
	l.status.Lock()
	return l.status.Unlock
}
