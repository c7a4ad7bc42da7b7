// Package backend models the two replicated vector database instances the
// proxy fronts: their descriptors, their REST contract, and the path
// grammar shared by every component that inspects request paths.
package backend

import (
	"sync/atomic"
	"time"
)

// Instance names. The pair is fixed: one primary, one replica.
const (
	Primary = "primary"
	Replica = "replica"

	// TargetBoth marks a WAL entry that must reach both instances.
	TargetBoth = "both"
)

// Instance describes one backend. Descriptors are created at startup and
// never destroyed; the health monitor and per-request accounting mutate the
// counters concurrently, so everything here is atomic.
type Instance struct {
	Name     string
	BaseURL  string
	Priority int // higher = preferred

	totalRequests       atomic.Int64
	successfulRequests  atomic.Int64
	consecutiveFailures atomic.Int64

	healthy       atomic.Bool
	lastProbeUnix atomic.Int64
}

// NewInstance builds a descriptor. Instances start optimistically healthy;
// the first probe corrects that within check_interval.
func NewInstance(name, baseURL string, priority int) *Instance {
	inst := &Instance{Name: name, BaseURL: baseURL, Priority: priority}
	inst.healthy.Store(true)
	return inst
}

// RecordSuccess notes a completed backend call.
func (i *Instance) RecordSuccess() {
	i.totalRequests.Add(1)
	i.successfulRequests.Add(1)
	i.consecutiveFailures.Store(0)
}

// RecordFailure notes a failed backend call (transport-level, not a
// semantic non-2xx).
func (i *Instance) RecordFailure() {
	i.totalRequests.Add(1)
	i.consecutiveFailures.Add(1)
}

// SuccessRate returns the fraction of successful calls, 1.0 when no calls
// have been made yet.
func (i *Instance) SuccessRate() float64 {
	total := i.totalRequests.Load()
	if total == 0 {
		return 1.0
	}
	return float64(i.successfulRequests.Load()) / float64(total)
}

// ConsecutiveFailures returns the current failure streak.
func (i *Instance) ConsecutiveFailures() int64 {
	return i.consecutiveFailures.Load()
}

// TotalRequests returns the rolling request counter.
func (i *Instance) TotalRequests() int64 { return i.totalRequests.Load() }

// Healthy returns the cached health flag. The flag is up to check_interval
// seconds stale; write paths must use the health monitor's realtime check
// instead.
func (i *Instance) Healthy() bool { return i.healthy.Load() }

// SetHealthy updates the cached flag and the probe timestamp. Returns the
// previous value so the monitor can detect transitions.
func (i *Instance) SetHealthy(healthy bool) (previous bool) {
	i.lastProbeUnix.Store(time.Now().Unix())
	return i.healthy.Swap(healthy)
}

// LastProbe returns the time of the most recent health probe.
func (i *Instance) LastProbe() time.Time {
	return time.Unix(i.lastProbeUnix.Load(), 0)
}

// Pair is the fixed two-instance set.
type Pair struct {
	Primary *Instance
	Replica *Instance
}

// Get returns the instance with the given name, nil for unknown names.
func (p Pair) Get(name string) *Instance {
	switch name {
	case Primary:
		return p.Primary
	case Replica:
		return p.Replica
	}
	return nil
}

// Other returns the peer of the named instance.
func (p Pair) Other(name string) *Instance {
	if name == Primary {
		return p.Replica
	}
	return p.Primary
}

// All returns both instances, primary first.
func (p Pair) All() []*Instance {
	return []*Instance{p.Primary, p.Replica}
}
