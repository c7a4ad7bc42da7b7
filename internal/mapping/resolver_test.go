package mapping

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vecgate/vecgate/internal/backend"
	"github.com/vecgate/vecgate/internal/backend/backendtest"
	"github.com/vecgate/vecgate/internal/store"
)

func newTestResolver(t *testing.T) (*Resolver, *backendtest.Fake, backend.Pair) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:", "", false)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fake := backendtest.New()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	instances := backend.Pair{
		Primary: backend.NewInstance(backend.Primary, srv.URL, 2),
		Replica: backend.NewInstance(backend.Replica, srv.URL, 1),
	}
	client := backend.NewClient(5 * time.Second)
	return NewResolver(st, client, instances, store.NewLocks(true)), fake, instances
}

func TestUpsertPreservesKnownSides(t *testing.T) {
	r, _, _ := newTestResolver(t)
	ctx := context.Background()

	if err := r.SetSide(ctx, "docs", backend.Primary, "p-uuid"); err != nil {
		t.Fatalf("SetSide primary: %v", err)
	}
	// Recording the replica side must not clear the primary side.
	if err := r.SetSide(ctx, "docs", backend.Replica, "r-uuid"); err != nil {
		t.Fatalf("SetSide replica: %v", err)
	}

	m, err := r.Get(ctx, "docs")
	if err != nil || m == nil {
		t.Fatalf("Get: %v %v", m, err)
	}
	if m.PrimaryUUID != "p-uuid" || m.ReplicaUUID != "r-uuid" {
		t.Errorf("sides = %q %q", m.PrimaryUUID, m.ReplicaUUID)
	}
	if !m.Complete() {
		t.Error("mapping should be complete")
	}

	// An upsert with an empty side never clears an existing UUID.
	if err := r.CreateCompleteMapping(ctx, "docs", "", "r-uuid-2"); err != nil {
		t.Fatalf("CreateCompleteMapping: %v", err)
	}
	m, _ = r.Get(ctx, "docs")
	if m.PrimaryUUID != "p-uuid" {
		t.Errorf("primary side cleared: %q", m.PrimaryUUID)
	}
	if m.ReplicaUUID != "r-uuid-2" {
		t.Errorf("replica side not updated: %q", m.ReplicaUUID)
	}
}

func TestDeleteSideRemovesEmptyRow(t *testing.T) {
	r, _, _ := newTestResolver(t)
	ctx := context.Background()

	if err := r.CreateCompleteMapping(ctx, "docs", "p-uuid", "r-uuid"); err != nil {
		t.Fatal(err)
	}
	if err := r.DeleteSide(ctx, "docs", backend.Primary); err != nil {
		t.Fatal(err)
	}
	m, err := r.Get(ctx, "docs")
	if err != nil || m == nil {
		t.Fatalf("row should survive with one side: %v %v", m, err)
	}
	if m.PrimaryUUID != "" || m.ReplicaUUID != "r-uuid" {
		t.Errorf("sides = %q %q", m.PrimaryUUID, m.ReplicaUUID)
	}

	if err := r.DeleteSide(ctx, "docs", backend.Replica); err != nil {
		t.Fatal(err)
	}
	m, err = r.Get(ctx, "docs")
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Errorf("row with both sides null should be deleted, got %+v", m)
	}
}

func TestResolveNameToUUIDRepairsFromListing(t *testing.T) {
	r, fake, instances := newTestResolver(t)
	ctx := context.Background()

	fake.Add("docs", "3fa85f64-5717-4562-b3fc-2c963f66afa6")

	uuid, err := r.ResolveNameToUUID(ctx, "docs", instances.Primary)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if uuid != "3fa85f64-5717-4562-b3fc-2c963f66afa6" {
		t.Errorf("uuid = %s", uuid)
	}

	// The repair must have persisted the mapping.
	m, err := r.Get(ctx, "docs")
	if err != nil || m == nil {
		t.Fatalf("mapping not repaired: %v %v", m, err)
	}
	if m.PrimaryUUID != uuid {
		t.Errorf("persisted uuid = %q", m.PrimaryUUID)
	}
}

func TestResolveNameToUUIDUnresolved(t *testing.T) {
	r, _, instances := newTestResolver(t)

	_, err := r.ResolveNameToUUID(context.Background(), "missing", instances.Primary)
	if err == nil {
		t.Fatal("expected error for unknown collection")
	}
}

func TestResolveBySourceUUIDCarriesName(t *testing.T) {
	r, _, _ := newTestResolver(t)
	ctx := context.Background()

	if err := r.SetSide(ctx, "docs", backend.Primary, "p-uuid"); err != nil {
		t.Fatal(err)
	}

	// Replica side missing: error must carry the name for fallback.
	_, name, err := r.ResolveBySourceUUID(ctx, "p-uuid", backend.Replica)
	if err == nil {
		t.Fatal("expected unresolved error")
	}
	if name != "docs" {
		t.Errorf("name = %q, want docs", name)
	}

	if err := r.SetSide(ctx, "docs", backend.Replica, "r-uuid"); err != nil {
		t.Fatal(err)
	}
	uuid, _, err := r.ResolveBySourceUUID(ctx, "p-uuid", backend.Replica)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if uuid != "r-uuid" {
		t.Errorf("uuid = %q, want r-uuid", uuid)
	}
}
