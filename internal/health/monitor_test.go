package health

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vecgate/vecgate/internal/backend"
	"github.com/vecgate/vecgate/internal/backend/backendtest"
)

func newTestMonitor(t *testing.T, onUp, onDown func(*backend.Instance)) (*Monitor, *backendtest.Fake, *backendtest.Fake, backend.Pair) {
	t.Helper()
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
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewMonitor(client, instances, time.Second, log, onUp, onDown), primaryFake, replicaFake, instances
}

func TestCheckRealtimeUpdatesCachedFlag(t *testing.T) {
	m, primaryFake, _, instances := newTestMonitor(t, nil, nil)
	ctx := context.Background()

	if !m.CheckRealtime(ctx, instances.Primary) {
		t.Fatal("healthy instance failed realtime check")
	}
	if !instances.Primary.Healthy() {
		t.Error("cached flag should be true")
	}

	primaryFake.SetDown(true)
	if m.CheckRealtime(ctx, instances.Primary) {
		t.Fatal("down instance passed realtime check")
	}
	if instances.Primary.Healthy() {
		t.Error("cached flag should track the realtime result")
	}
}

func TestTransitionCallbacks(t *testing.T) {
	var ups, downs []string
	m, primaryFake, _, instances := newTestMonitor(t,
		func(i *backend.Instance) { ups = append(ups, i.Name) },
		func(i *backend.Instance) { downs = append(downs, i.Name) })
	ctx := context.Background()

	// Instances start optimistically healthy: a passing probe is not a
	// transition.
	m.CheckRealtime(ctx, instances.Primary)
	if len(ups) != 0 {
		t.Fatalf("no transition expected, got onUp %v", ups)
	}

	primaryFake.SetDown(true)
	m.CheckRealtime(ctx, instances.Primary)
	if len(downs) != 1 || downs[0] != backend.Primary {
		t.Fatalf("onDown = %v", downs)
	}

	// Still down: no duplicate callback.
	m.CheckRealtime(ctx, instances.Primary)
	if len(downs) != 1 {
		t.Fatalf("duplicate onDown: %v", downs)
	}

	primaryFake.SetDown(false)
	m.CheckRealtime(ctx, instances.Primary)
	if len(ups) != 1 || ups[0] != backend.Primary {
		t.Fatalf("onUp = %v", ups)
	}
}

func TestRunProbesBothInstances(t *testing.T) {
	m, _, replicaFake, instances := newTestMonitor(t, nil, nil)
	replicaFake.SetDown(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	deadline := time.After(3 * time.Second)
	for instances.Replica.Healthy() {
		select {
		case <-deadline:
			t.Fatal("replica never marked unhealthy")
		case <-time.After(50 * time.Millisecond):
		}
	}
	if !instances.Primary.Healthy() {
		t.Error("primary should remain healthy")
	}
	cancel()
	<-done
}
