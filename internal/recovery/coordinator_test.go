package recovery

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vecgate/vecgate/internal/backend"
	"github.com/vecgate/vecgate/internal/backend/backendtest"
	"github.com/vecgate/vecgate/internal/mapping"
	"github.com/vecgate/vecgate/internal/metrics"
	"github.com/vecgate/vecgate/internal/store"
	"github.com/vecgate/vecgate/internal/wal"
)

const (
	primaryUUID = "11111111-1111-4111-8111-111111111111"
	replicaUUID = "22222222-2222-4222-8222-222222222222"
)

type env struct {
	coord     *Coordinator
	engine    *wal.Engine
	resolver  *mapping.Resolver
	instances backend.Pair
	primary   *backendtest.Fake
	replica   *backendtest.Fake
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:", "", false)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	primaryFake := backendtest.New()
	replicaFake := backendtest.New()
	primarySrv := httptest.NewServer(primaryFake)
	replicaSrv := httptest.NewServer(replicaFake)
	t.Cleanup(primarySrv.Close)
	t.Cleanup(replicaSrv.Close)

	instances := backend.Pair{
		Primary: backend.NewInstance(backend.Primary, primarySrv.URL, 2),
		Replica: backend.NewInstance(backend.Replica, replicaSrv.URL, 1),
	}
	client := backend.NewClient(2 * time.Second)
	locks := store.NewLocks(true)
	resolver := mapping.NewResolver(st, client, instances, locks)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := wal.NewEngine(st, locks, resolver, client, instances, metrics.New(), log, wal.Options{
		DefaultBatchSize: 100,
		MaxBatchSize:     500,
		MaxWorkers:       2,
		SyncInterval:     time.Second,
	}, nil)

	return &env{
		coord:     NewCoordinator(engine, resolver, client, instances, log),
		engine:    engine,
		resolver:  resolver,
		instances: instances,
		primary:   primaryFake,
		replica:   replicaFake,
	}
}

func TestDrainWALPushesBacklog(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.primary.Add("docs", primaryUUID)
	e.replica.Add("docs", replicaUUID)
	if err := e.resolver.CreateCompleteMapping(ctx, "docs", primaryUUID, replicaUUID); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := e.engine.AddWrite(ctx, wal.AddParams{
			Method:         "POST",
			Path:           backend.CollectionsPath(backend.DefaultTenant, backend.DefaultDatabase) + "/" + primaryUUID + "/add",
			Body:           []byte(`{"ids":["a"]}`),
			TargetInstance: backend.Replica,
			ExecutedOn:     backend.Primary,
		}); err != nil {
			t.Fatal(err)
		}
	}

	if err := e.coord.drainWAL(ctx, e.instances.Replica); err != nil {
		t.Fatalf("drainWAL: %v", err)
	}

	if got := len(e.replica.Ops()); got != 3 {
		t.Errorf("replica received %d ops, want 3", got)
	}
	n, err := e.engine.PendingFor(ctx, backend.Replica)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("backlog after drain = %d", n)
	}
}

func TestReconcileRecreatesMissingSide(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// The replica was down when this collection was created: the mapping
	// carries only the primary side.
	e.primary.Add("docs", primaryUUID)
	if err := e.resolver.SetSide(ctx, "docs", backend.Primary, primaryUUID); err != nil {
		t.Fatal(err)
	}

	recreated, err := e.coord.reconcileCollections(ctx, e.instances.Replica)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if recreated != 1 {
		t.Fatalf("recreated = %d, want 1", recreated)
	}
	if !e.replica.Has("docs") {
		t.Fatal("collection not recreated on the replica")
	}
	m, err := e.resolver.Get(ctx, "docs")
	if err != nil || m == nil || !m.Complete() {
		t.Errorf("mapping still incomplete: %+v err=%v", m, err)
	}
}

func TestReconcilePreservesMetadata(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	metadata := map[string]any{"hnsw:space": "cosine", "embedding_model": "all-minilm"}
	e.primary.AddWithMetadata("docs", primaryUUID, metadata)
	if err := e.resolver.SetSide(ctx, "docs", backend.Primary, primaryUUID); err != nil {
		t.Fatal(err)
	}

	recreated, err := e.coord.reconcileCollections(ctx, e.instances.Replica)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if recreated != 1 {
		t.Fatalf("recreated = %d, want 1", recreated)
	}

	got := e.replica.CollectionMetadata("docs")
	if got == nil {
		t.Fatal("recreated collection lost its metadata")
	}
	for k, want := range metadata {
		if got[k] != want {
			t.Errorf("metadata[%q] = %v, want %v", k, got[k], want)
		}
	}
}

func TestReconcileSkipsRecentDelete(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if err := e.resolver.SetSide(ctx, "ghost", backend.Primary, primaryUUID); err != nil {
		t.Fatal(err)
	}
	// The delete is still in the WAL for this instance; recreating the
	// collection would resurrect it.
	if _, err := e.engine.AddWrite(ctx, wal.AddParams{
		Method:         "DELETE",
		Path:           backend.CollectionsPath(backend.DefaultTenant, backend.DefaultDatabase) + "/ghost",
		TargetInstance: backend.Replica,
		ExecutedOn:     backend.Primary,
	}); err != nil {
		t.Fatal(err)
	}

	recreated, err := e.coord.reconcileCollections(ctx, e.instances.Replica)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if recreated != 0 {
		t.Errorf("recreated = %d, want 0", recreated)
	}
	if e.replica.Has("ghost") {
		t.Error("deleted collection was resurrected")
	}
}

func TestReconcileWithNothingMissing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if err := e.resolver.CreateCompleteMapping(ctx, "docs", primaryUUID, replicaUUID); err != nil {
		t.Fatal(err)
	}
	recreated, err := e.coord.reconcileCollections(ctx, e.instances.Replica)
	if err != nil {
		t.Fatal(err)
	}
	if recreated != 0 {
		t.Errorf("recreated = %d, want 0", recreated)
	}
}
