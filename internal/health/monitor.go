// Package health probes the backend instances and maintains their cached
// health flags. The cached flag drives read routing and sync scheduling;
// write admission always re-probes, because acting on a stale "up" for a
// write risks losing it.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/vecgate/vecgate/internal/backend"
)

// realtimeTimeout bounds the pre-write probe. Tighter than the periodic
// probe: a write is waiting on the answer.
const realtimeTimeout = 2 * time.Second

// probeTimeout bounds the periodic background probe.
const probeTimeout = 5 * time.Second

// Monitor drives periodic probes and exposes the realtime check.
type Monitor struct {
	client    *backend.Client
	instances backend.Pair
	interval  time.Duration
	log       *slog.Logger

	// onUp fires when an instance transitions unhealthy -> healthy.
	// The recovery coordinator hangs off this.
	onUp func(inst *backend.Instance)
	// onDown fires on the opposite transition.
	onDown func(inst *backend.Instance)
}

// NewMonitor wires a monitor. Callbacks may be nil; they run on the
// monitor's goroutine (or the realtime caller's), so they must not block.
func NewMonitor(client *backend.Client, instances backend.Pair, interval time.Duration,
	log *slog.Logger, onUp, onDown func(*backend.Instance)) *Monitor {
	return &Monitor{
		client:    client,
		instances: instances,
		interval:  interval,
		log:       log.With("component", "health"),
		onUp:      onUp,
		onDown:    onDown,
	}
}

// Run probes both instances every interval until ctx is cancelled. The
// first pass runs immediately so startup state is accurate.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Info("health monitor started", "interval", m.interval)
	for {
		for _, inst := range m.instances.All() {
			m.probe(ctx, inst, probeTimeout)
		}
		select {
		case <-ctx.Done():
			m.log.Info("health monitor stopped")
			return
		case <-time.After(m.interval):
		}
	}
}

// CheckRealtime probes the instance right now, updates the cached flag,
// and returns the live answer. Write paths call this before touching an
// instance; the cached flag is never sufficient for a write.
func (m *Monitor) CheckRealtime(ctx context.Context, inst *backend.Instance) bool {
	return m.probe(ctx, inst, realtimeTimeout)
}

func (m *Monitor) probe(ctx context.Context, inst *backend.Instance, timeout time.Duration) bool {
	err := m.client.Probe(ctx, inst, timeout)
	healthy := err == nil
	was := inst.SetHealthy(healthy)

	switch {
	case healthy && !was:
		m.log.Info("instance recovered", "instance", inst.Name)
		if m.onUp != nil {
			m.onUp(inst)
		}
	case !healthy && was:
		m.log.Warn("instance down", "instance", inst.Name, "error", err)
		if m.onDown != nil {
			m.onDown(inst)
		}
	}
	return healthy
}
