package wal

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vecgate/vecgate/internal/backend"
)

// seedEntry inserts an entry with a controlled timestamp.
func seedEntry(t *testing.T, env *walEnv, e *Entry) *Entry {
	t.Helper()
	if e.WriteID == "" {
		e.WriteID = uuid.NewString()
	}
	if e.Method == "" {
		e.Method = "POST"
	}
	if e.Path == "" {
		e.Path = docPath(primaryUUID, backend.OpAdd)
	}
	if e.TargetInstance == "" {
		e.TargetInstance = backend.Replica
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := env.engine.insertEntry(context.Background(), e); err != nil {
		t.Fatalf("insert entry: %v", err)
	}
	return e
}

func TestNextBatchesChronologicalOrder(t *testing.T) {
	env := newWALEnv(t)
	base := time.Now().UTC().Add(-time.Hour)

	// Inserted out of order on purpose.
	second := seedEntry(t, env, &Entry{CreatedAt: base.Add(2 * time.Minute)})
	first := seedEntry(t, env, &Entry{CreatedAt: base})
	third := seedEntry(t, env, &Entry{CreatedAt: base.Add(4 * time.Minute)})

	batches, err := env.engine.NextBatches(context.Background(), backend.Replica, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 || len(batches[0]) != 3 {
		t.Fatalf("batches = %d", len(batches))
	}
	got := []string{batches[0][0].WriteID, batches[0][1].WriteID, batches[0][2].WriteID}
	want := []string{first.WriteID, second.WriteID, third.WriteID}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestNextBatchesPriorityBreaksTies(t *testing.T) {
	env := newWALEnv(t)
	ts := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	write := seedEntry(t, env, &Entry{CreatedAt: ts, Priority: 0})
	del := seedEntry(t, env, &Entry{CreatedAt: ts, Priority: 1, Method: "DELETE"})

	batches, err := env.engine.NextBatches(context.Background(), backend.Replica, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("unexpected batches")
	}
	if batches[0][0].WriteID != del.WriteID {
		t.Errorf("delete should win the timestamp tie, got %s first (write=%s)", batches[0][0].WriteID, write.WriteID)
	}
}

func TestNextBatchesRespectsSizeAndMemory(t *testing.T) {
	env := newWALEnv(t)
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		seedEntry(t, env, &Entry{CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}
	batches, err := env.engine.NextBatches(context.Background(), backend.Replica, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 3 {
		t.Fatalf("batch count = %d, want 3 (2+2+1)", len(batches))
	}

	env = newWALEnv(t)
	// Two entries whose combined declared size exceeds the batch memory
	// bound must land in separate batches even under a large batch size.
	seedEntry(t, env, &Entry{CreatedAt: base, DataSizeBytes: 20 << 20})
	seedEntry(t, env, &Entry{CreatedAt: base.Add(time.Second), DataSizeBytes: 20 << 20})

	batches, err = env.engine.NextBatches(context.Background(), backend.Replica, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 2 {
		t.Fatalf("memory bound ignored: %d batches", len(batches))
	}
}

func TestNextBatchesEligibility(t *testing.T) {
	env := newWALEnv(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	eligible := seedEntry(t, env, &Entry{CreatedAt: base})
	seedEntry(t, env, &Entry{CreatedAt: base, Status: StatusSynced})
	seedEntry(t, env, &Entry{CreatedAt: base, Status: StatusObsolete})
	seedEntry(t, env, &Entry{CreatedAt: base, Status: StatusAbandoned})
	seedEntry(t, env, &Entry{CreatedAt: base, RetryCount: maxRetries, Status: StatusFailed})
	seedEntry(t, env, &Entry{CreatedAt: base, Status: StatusFailed, NextRetryAt: &future})
	seedEntry(t, env, &Entry{CreatedAt: base, TargetInstance: backend.Primary})
	seedEntry(t, env, &Entry{CreatedAt: base, ExecutedOn: backend.Replica, TargetInstance: backend.TargetBoth,
		SyncedInstances: []string{backend.Replica}})

	batches, err := env.engine.NextBatches(ctx, backend.Replica, 100)
	if err != nil {
		t.Fatal(err)
	}
	var got []*Entry
	for _, b := range batches {
		got = append(got, b...)
	}
	if len(got) != 1 || got[0].WriteID != eligible.WriteID {
		t.Fatalf("selection = %d entries, want only the eligible one", len(got))
	}

	// The target=both entry above still owes the primary.
	n, err := env.engine.PendingFor(ctx, backend.Primary)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 { // the target=primary entry plus the target=both entry
		t.Errorf("primary backlog = %d, want 2", n)
	}
}

func TestPendingForCountsBackoffWaiters(t *testing.T) {
	env := newWALEnv(t)
	future := time.Now().UTC().Add(time.Hour)
	seedEntry(t, env, &Entry{Status: StatusFailed, RetryCount: 1, NextRetryAt: &future})

	n, err := env.engine.PendingFor(context.Background(), backend.Replica)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("backlog = %d; entries waiting out a backoff still count", n)
	}
}
