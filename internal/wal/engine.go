package wal

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vecgate/vecgate/internal/backend"
	"github.com/vecgate/vecgate/internal/mapping"
	"github.com/vecgate/vecgate/internal/metrics"
	"github.com/vecgate/vecgate/internal/store"
)

// MemoryPressure is the resource monitor's verdict used for adaptive
// batch sizing.
type MemoryPressure int

const (
	PressureNone MemoryPressure = iota
	PressureSoft                // RSS above 70% of the ceiling: halve batches
	PressureHard                // RSS above 85% of the ceiling: quarter batches
)

// Options are the engine's tunables, taken from the config at startup.
type Options struct {
	DefaultBatchSize int
	MaxBatchSize     int
	MaxWorkers       int
	SyncInterval     time.Duration
}

// Engine owns the WAL table and its replay machinery.
type Engine struct {
	store     *store.Store
	locks     *store.Locks
	resolver  *mapping.Resolver
	client    *backend.Client
	instances backend.Pair
	metrics   *metrics.Metrics
	log       *slog.Logger
	opts      Options

	// syncIntervalNanos is reloadable at runtime.
	syncIntervalNanos atomic.Int64

	// pressure is queried before each selection pass; nil means none.
	pressure func() MemoryPressure

	// recent backs the consistency-window read pin.
	recent *RecentWrites
}

// NewEngine wires the WAL engine. pressure may be nil.
func NewEngine(st *store.Store, locks *store.Locks, resolver *mapping.Resolver, client *backend.Client,
	instances backend.Pair, m *metrics.Metrics, log *slog.Logger, opts Options,
	pressure func() MemoryPressure) *Engine {

	e := &Engine{
		store:     st,
		locks:     locks,
		resolver:  resolver,
		client:    client,
		instances: instances,
		metrics:   m,
		log:       log.With("component", "wal"),
		opts:      opts,
		pressure:  pressure,
		recent:    NewRecentWrites(),
	}
	e.syncIntervalNanos.Store(int64(opts.SyncInterval))
	return e
}

// Recent exposes the recent-writes map for the dispatcher's
// consistency-window pin.
func (e *Engine) Recent() *RecentWrites { return e.recent }

// SetSyncInterval updates the replay loop period (config hot reload).
func (e *Engine) SetSyncInterval(d time.Duration) {
	if d > 0 {
		e.syncIntervalNanos.Store(int64(d))
	}
}

// SyncLoop drives replay until ctx is cancelled. The sleep between passes
// adapts to backlog: shortened when work remains, stretched when idle.
func (e *Engine) SyncLoop(ctx context.Context) {
	e.log.Info("WAL sync loop started", "interval", time.Duration(e.syncIntervalNanos.Load()))
	for {
		backlog := e.syncPass(ctx)

		interval := time.Duration(e.syncIntervalNanos.Load())
		switch {
		case backlog > int64(e.opts.MaxBatchSize):
			interval = interval / 4
			if interval < 2*time.Second {
				interval = 2 * time.Second
			}
		case backlog == 0:
			interval = interval * 2
			if interval > time.Minute {
				interval = time.Minute
			}
		}

		select {
		case <-ctx.Done():
			e.log.Info("WAL sync loop stopped")
			return
		case <-time.After(interval):
		}
	}
}

// syncPass replays toward every healthy instance once and returns the
// remaining backlog across both targets.
func (e *Engine) syncPass(ctx context.Context) int64 {
	var backlog int64
	for _, inst := range e.instances.All() {
		if ctx.Err() != nil {
			return backlog
		}
		if !inst.Healthy() {
			continue
		}
		if err := e.SyncInstance(ctx, inst); err != nil {
			e.log.Warn("sync pass failed", "instance", inst.Name, "error", err)
		}
		n, err := e.PendingFor(ctx, inst.Name)
		if err == nil {
			backlog += n
		}
	}
	return backlog
}

// SyncInstance replays every currently-eligible entry toward one
// instance. Entries for the same collection are processed in chronological
// order by hash-partitioning them onto the same worker.
func (e *Engine) SyncInstance(ctx context.Context, inst *backend.Instance) error {
	batches, err := e.NextBatches(ctx, inst.Name, e.adaptiveBatchSize(inst))
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		return nil
	}

	workers := e.opts.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	chans := make([]chan *Entry, workers)
	var wg sync.WaitGroup
	for i := range chans {
		chans[i] = make(chan *Entry, e.opts.MaxBatchSize)
		wg.Add(1)
		go func(ch chan *Entry) {
			defer wg.Done()
			for entry := range ch {
				if ctx.Err() != nil {
					continue // drain without processing
				}
				e.replayEntry(ctx, entry, inst)
			}
		}(chans[i])
	}

	// Feeding batches in order plus FIFO workers preserves per-collection
	// chronological order: same collection always hashes to the same worker.
	for _, batch := range batches {
		for _, entry := range batch {
			chans[partition(entry.CollectionID, workers)] <- entry
		}
	}
	for _, ch := range chans {
		close(ch)
	}
	wg.Wait()
	return ctx.Err()
}

func partition(key string, workers int) int {
	// FNV-1a
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return int(h % uint32(workers))
}

// adaptiveBatchSize shrinks batches under memory pressure and while the
// target instance is still shaky (gradual recovery).
func (e *Engine) adaptiveBatchSize(inst *backend.Instance) int {
	size := e.opts.DefaultBatchSize
	if e.pressure != nil {
		switch e.pressure() {
		case PressureSoft:
			size /= 2
		case PressureHard:
			size /= 4
		}
	}
	if inst.ConsecutiveFailures() > 0 || inst.SuccessRate() < 0.8 {
		quarter := e.opts.DefaultBatchSize / 4
		if size > quarter {
			size = quarter
		}
	}
	if size < 1 {
		size = 1
	}
	if size > e.opts.MaxBatchSize {
		size = e.opts.MaxBatchSize
	}
	return size
}
