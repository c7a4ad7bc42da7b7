// Package recovery converges a freshly-recovered instance with the
// cluster: first the WAL backlog is drained onto it, then collections it
// missed entirely are recreated. Order matters; recreating collections
// before the backlog lands would race the very writes being replayed.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vecgate/vecgate/internal/backend"
	"github.com/vecgate/vecgate/internal/mapping"
	"github.com/vecgate/vecgate/internal/wal"
)

const (
	// drainTimeout caps how long a recovery waits for the WAL backlog.
	drainTimeout = 120 * time.Second
	drainPoll    = 5 * time.Second

	// settleGrace sits between the drain and reconciliation so in-flight
	// replays finish acknowledging.
	settleGrace = 10 * time.Second

	// deleteSkipWindow: a collection whose WAL shows a delete this recent
	// is not recreated, the delete may still be propagating.
	deleteSkipWindow = 10 * time.Minute
)

// Coordinator runs the recovery sequence for an instance.
type Coordinator struct {
	wal       *wal.Engine
	resolver  *mapping.Resolver
	client    *backend.Client
	instances backend.Pair
	log       *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewCoordinator wires a coordinator.
func NewCoordinator(w *wal.Engine, resolver *mapping.Resolver, client *backend.Client,
	instances backend.Pair, log *slog.Logger) *Coordinator {
	return &Coordinator{
		wal:       w,
		resolver:  resolver,
		client:    client,
		instances: instances,
		log:       log.With("component", "recovery"),
		inFlight:  make(map[string]bool),
	}
}

// Recover runs the full sequence for one instance. Concurrent calls for
// the same instance collapse into one; the duplicate returns immediately.
func (c *Coordinator) Recover(ctx context.Context, inst *backend.Instance) error {
	c.mu.Lock()
	if c.inFlight[inst.Name] {
		c.mu.Unlock()
		c.log.Info("recovery already running", "instance", inst.Name)
		return nil
	}
	c.inFlight[inst.Name] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, inst.Name)
		c.mu.Unlock()
	}()

	c.log.Info("recovery started", "instance", inst.Name)
	start := time.Now()

	if err := c.drainWAL(ctx, inst); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(settleGrace):
	}

	recreated, err := c.reconcileCollections(ctx, inst)
	if err != nil {
		return err
	}
	c.log.Info("recovery finished",
		"instance", inst.Name,
		"recreated_collections", recreated,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// drainWAL pushes the backlog toward the instance until it is empty or
// the drain budget runs out. A leftover backlog is not fatal; the sync
// loop keeps working it, reconciliation just proceeds with what landed.
func (c *Coordinator) drainWAL(ctx context.Context, inst *backend.Instance) error {
	deadline := time.Now().Add(drainTimeout)
	for {
		if err := c.wal.SyncInstance(ctx, inst); err != nil {
			return err
		}
		n, err := c.wal.PendingFor(ctx, inst.Name)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			c.log.Warn("WAL drain budget exhausted", "instance", inst.Name, "remaining", n)
			return nil
		}
		c.log.Info("draining WAL", "instance", inst.Name, "remaining", n)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPoll):
		}
	}
}

// reconcileCollections recreates collections the instance missed while it
// was down: every mapping with the other side populated and this side
// null, minus those with a delete still possibly in flight.
func (c *Coordinator) reconcileCollections(ctx context.Context, inst *backend.Instance) (int, error) {
	missing, err := c.resolver.IncompleteFor(ctx, inst.Name)
	if err != nil {
		return 0, err
	}

	recreated := 0
	for _, m := range missing {
		if ctx.Err() != nil {
			return recreated, ctx.Err()
		}
		ids := []string{m.Name}
		if m.PrimaryUUID != "" {
			ids = append(ids, m.PrimaryUUID)
		}
		if m.ReplicaUUID != "" {
			ids = append(ids, m.ReplicaUUID)
		}
		deleted, err := c.wal.HasRecentCollectionDelete(ctx, deleteSkipWindow, ids...)
		if err != nil {
			return recreated, err
		}
		if deleted {
			c.log.Info("skipping collection with recent delete", "collection", m.Name)
			continue
		}

		// Recreating with empty metadata would wipe the collection's
		// configuration (embedding function, index params); the healthy
		// instance still holds it.
		var metadata map[string]any
		if src, err := c.client.FindCollection(ctx, c.instances.Other(inst.Name),
			backend.DefaultTenant, backend.DefaultDatabase, m.Name); err == nil {
			metadata = src.Metadata
		} else {
			c.log.Warn("metadata lookup on healthy instance failed",
				"collection", m.Name, "error", err)
		}

		col, _, err := c.client.CreateCollection(ctx, inst,
			backend.DefaultTenant, backend.DefaultDatabase, m.Name, metadata, true)
		if err != nil {
			c.log.Warn("recreate collection failed", "collection", m.Name, "instance", inst.Name, "error", err)
			continue
		}
		if err := c.resolver.SetSide(ctx, m.Name, inst.Name, col.ID); err != nil {
			return recreated, err
		}
		recreated++
	}
	return recreated, nil
}
