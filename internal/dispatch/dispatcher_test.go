package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vecgate/vecgate/internal/backend"
	"github.com/vecgate/vecgate/internal/backend/backendtest"
	"github.com/vecgate/vecgate/internal/config"
	"github.com/vecgate/vecgate/internal/health"
	"github.com/vecgate/vecgate/internal/mapping"
	"github.com/vecgate/vecgate/internal/metrics"
	"github.com/vecgate/vecgate/internal/store"
	"github.com/vecgate/vecgate/internal/txlog"
	"github.com/vecgate/vecgate/internal/wal"
)

const (
	primaryUUID = "11111111-1111-4111-8111-111111111111"
	replicaUUID = "22222222-2222-4222-8222-222222222222"
)

// delayed injects latency into document operations, leaving probes fast.
type delayed struct {
	h     http.Handler
	delay time.Duration
}

func (d *delayed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if d.delay > 0 && (strings.HasSuffix(r.URL.Path, "/add") || strings.HasSuffix(r.URL.Path, "/query")) {
		time.Sleep(d.delay)
	}
	d.h.ServeHTTP(w, r)
}

type env struct {
	d         *Dispatcher
	cfg       config.Config
	wal       *wal.Engine
	txstore   *store.Store
	resolver  *mapping.Resolver
	metrics   *metrics.Metrics
	instances backend.Pair
	primary   *backendtest.Fake
	replica   *backendtest.Fake

	primaryDelay *delayed
}

func testConfig() config.Config {
	return config.Config{
		PrimaryURL:            "http://p",
		ReplicaURL:            "http://r",
		RequestTimeout:        5 * time.Second,
		AdmissionTimeout:      time.Second,
		CheckInterval:         time.Second,
		ReadReplicaRatio:      0,
		ConsistencyWindow:     30 * time.Second,
		SyncInterval:          time.Second,
		MaxWorkers:            2,
		DefaultBatchSize:      100,
		MaxBatchSize:          500,
		MaxConcurrentRequests: 4,
		RequestQueueSize:      4,
	}
}

func newEnv(t *testing.T, cfg config.Config) *env {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:", "", false)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	primaryFake := backendtest.New()
	replicaFake := backendtest.New()
	primaryDelay := &delayed{h: primaryFake}
	primarySrv := httptest.NewServer(primaryDelay)
	replicaSrv := httptest.NewServer(replicaFake)
	t.Cleanup(primarySrv.Close)
	t.Cleanup(replicaSrv.Close)

	instances := backend.Pair{
		Primary: backend.NewInstance(backend.Primary, primarySrv.URL, 2),
		Replica: backend.NewInstance(backend.Replica, replicaSrv.URL, 1),
	}
	client := backend.NewClient(cfg.RequestTimeout)
	locks := store.NewLocks(true)
	resolver := mapping.NewResolver(st, client, instances, locks)
	m := metrics.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine := wal.NewEngine(st, locks, resolver, client, instances, m, log, wal.Options{
		DefaultBatchSize: cfg.DefaultBatchSize,
		MaxBatchSize:     cfg.MaxBatchSize,
		MaxWorkers:       cfg.MaxWorkers,
		SyncInterval:     cfg.SyncInterval,
	}, nil)
	tl := txlog.NewLog(st, m, log)
	hm := health.NewMonitor(client, instances, cfg.CheckInterval, log, nil, nil)

	return &env{
		d:            New(cfg, client, instances, hm, resolver, engine, tl, m, log),
		cfg:          cfg,
		wal:          engine,
		txstore:      st,
		resolver:     resolver,
		metrics:      m,
		instances:    instances,
		primary:      primaryFake,
		replica:      replicaFake,
		primaryDelay: primaryDelay,
	}
}

func (e *env) seedCollection(t *testing.T) {
	t.Helper()
	e.primary.Add("docs", primaryUUID)
	e.replica.Add("docs", replicaUUID)
	if err := e.resolver.CreateCompleteMapping(context.Background(), "docs", primaryUUID, replicaUUID); err != nil {
		t.Fatal(err)
	}
}

func doRequest(d *Dispatcher, method, path string, body []byte) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	r := httptest.NewRequest(method, path, rdr)
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)
	return w
}

func addPath(id string) string {
	return "/api/v2/tenants/default_tenant/databases/default_database/collections/" + id + "/add"
}

func queryPath(id string) string {
	return "/api/v2/tenants/default_tenant/databases/default_database/collections/" + id + "/query"
}

const collectionsRoot = "/api/v2/tenants/default_tenant/databases/default_database/collections"

func TestWriteExecutesOnPrimaryAndLogsReplica(t *testing.T) {
	e := newEnv(t, testConfig())
	e.seedCollection(t)

	w := doRequest(e.d, "POST", addPath("docs"), []byte(`{"ids":["a"]}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body)
	}

	ops := e.primary.Ops()
	if len(ops) != 1 || ops[0].CollectionID != primaryUUID {
		t.Fatalf("primary ops = %+v", ops)
	}
	if len(e.replica.Ops()) != 0 {
		t.Fatal("replica must not be written synchronously")
	}

	n, err := e.wal.PendingFor(context.Background(), backend.Replica)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("replica WAL backlog = %d, want 1", n)
	}

	var status string
	if err := e.txstore.QueryRowContext(context.Background(),
		`SELECT status FROM transaction_log`).Scan(&status); err != nil {
		t.Fatal(err)
	}
	if status != txlog.StatusCompleted {
		t.Errorf("transaction status = %s", status)
	}
}

func TestWriteFailsOverToReplica(t *testing.T) {
	e := newEnv(t, testConfig())
	e.seedCollection(t)
	e.primary.SetDown(true)

	w := doRequest(e.d, "POST", addPath("docs"), []byte(`{"ids":["a"]}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body)
	}

	ops := e.replica.Ops()
	if len(ops) != 1 || ops[0].CollectionID != replicaUUID {
		t.Fatalf("replica ops = %+v", ops)
	}

	n, err := e.wal.PendingFor(context.Background(), backend.Primary)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("primary WAL backlog = %d, want 1", n)
	}
}

func TestWriteWithNoHealthyInstance(t *testing.T) {
	e := newEnv(t, testConfig())
	e.seedCollection(t)
	e.primary.SetDown(true)
	e.replica.SetDown(true)

	w := doRequest(e.d, "POST", addPath("docs"), []byte(`{}`))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if e.metrics.TakeSnapshot().NoHealthyInstance == 0 {
		t.Error("no-healthy-instance counter not bumped")
	}

	var status string
	if err := e.txstore.QueryRowContext(context.Background(),
		`SELECT status FROM transaction_log`).Scan(&status); err != nil {
		t.Fatal(err)
	}
	if status != txlog.StatusFailed {
		t.Errorf("transaction status = %s, want FAILED for recovery", status)
	}
}

func TestReadSamplesReplica(t *testing.T) {
	cfg := testConfig()
	cfg.ReadReplicaRatio = 1.0
	e := newEnv(t, cfg)
	e.seedCollection(t)

	w := doRequest(e.d, "POST", queryPath("docs"), []byte(`{}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	ops := e.replica.Ops()
	if len(ops) != 1 || ops[0].Op != backend.OpQuery {
		t.Fatalf("replica should serve the read, ops = %+v", ops)
	}
	if len(e.primary.Ops()) != 0 {
		t.Error("primary served a read meant for the replica")
	}
}

func TestConsistencyWindowPinsReadsToPrimary(t *testing.T) {
	cfg := testConfig()
	cfg.ReadReplicaRatio = 1.0 // would always pick the replica without the pin
	e := newEnv(t, cfg)
	e.seedCollection(t)

	if w := doRequest(e.d, "POST", addPath("docs"), []byte(`{"ids":["a"]}`)); w.Code != http.StatusOK {
		t.Fatalf("write status = %d", w.Code)
	}
	if w := doRequest(e.d, "POST", queryPath("docs"), []byte(`{}`)); w.Code != http.StatusOK {
		t.Fatalf("read status = %d", w.Code)
	}

	var queries int
	for _, op := range e.primary.Ops() {
		if op.Op == backend.OpQuery {
			queries++
		}
	}
	if queries != 1 {
		t.Errorf("read not pinned to primary inside the consistency window")
	}
	for _, op := range e.replica.Ops() {
		if op.Op == backend.OpQuery {
			t.Error("replica served a pinned read")
		}
	}
}

func TestAdmissionQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentRequests = 1
	cfg.RequestQueueSize = 0
	e := newEnv(t, cfg)
	e.seedCollection(t)
	e.primaryDelay.delay = 400 * time.Millisecond

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		doRequest(e.d, "POST", addPath("docs"), []byte(`{}`))
	}()
	time.Sleep(100 * time.Millisecond) // let the first request take the slot

	w := doRequest(e.d, "POST", addPath("docs"), []byte(`{}`))
	wg.Wait()
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if e.metrics.TakeSnapshot().QueueFullRejections != 1 {
		t.Error("queue-full rejection not counted")
	}
}

func TestUnresolvableCollectionIs404(t *testing.T) {
	e := newEnv(t, testConfig())

	w := doRequest(e.d, "POST", addPath("nowhere"), []byte(`{}`))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestCollectionCreateFanout(t *testing.T) {
	e := newEnv(t, testConfig())

	w := doRequest(e.d, "POST", collectionsRoot, []byte(`{"name":"docs"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body)
	}
	var col backend.Collection
	if err := json.Unmarshal(w.Body.Bytes(), &col); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if col.ID != e.primary.UUID("docs") {
		t.Errorf("relayed id = %s, want the primary's", col.ID)
	}

	if !e.primary.Has("docs") || !e.replica.Has("docs") {
		t.Fatal("collection missing on a live instance")
	}
	m, err := e.resolver.Get(context.Background(), "docs")
	if err != nil || m == nil || !m.Complete() {
		t.Fatalf("mapping incomplete: %+v err=%v", m, err)
	}

	// Both sides applied synchronously: nothing owed via the WAL.
	for _, inst := range e.instances.All() {
		if n, _ := e.wal.PendingFor(context.Background(), inst.Name); n != 0 {
			t.Errorf("%s backlog = %d, want 0", inst.Name, n)
		}
	}
}

func TestCollectionCreateWithReplicaDown(t *testing.T) {
	e := newEnv(t, testConfig())
	e.replica.SetDown(true)

	w := doRequest(e.d, "POST", collectionsRoot, []byte(`{"name":"docs"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body)
	}
	if !e.primary.Has("docs") {
		t.Fatal("primary create missing")
	}

	n, err := e.wal.PendingFor(context.Background(), backend.Replica)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("replica owes the create via WAL, backlog = %d", n)
	}

	m, _ := e.resolver.Get(context.Background(), "docs")
	if m == nil || m.PrimaryUUID == "" || m.ReplicaUUID != "" {
		t.Errorf("mapping should have only the primary side: %+v", m)
	}
}

func TestCollectionDeleteFanoutRetiresBacklog(t *testing.T) {
	e := newEnv(t, testConfig())
	e.seedCollection(t)

	// A write first, so the replica has a WAL entry to retire.
	if w := doRequest(e.d, "POST", addPath("docs"), []byte(`{"ids":["a"]}`)); w.Code != http.StatusOK {
		t.Fatalf("write status = %d", w.Code)
	}

	w := doRequest(e.d, "DELETE", collectionsRoot+"/docs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d body = %s", w.Code, w.Body)
	}

	if e.primary.Has("docs") || e.replica.Has("docs") {
		t.Fatal("collection should be gone from both instances")
	}
	m, err := e.resolver.Get(context.Background(), "docs")
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Errorf("mapping should be deleted, got %+v", m)
	}
	if n, _ := e.wal.PendingFor(context.Background(), backend.Replica); n != 0 {
		t.Errorf("stale backlog survived the delete: %d", n)
	}
}

func TestReplayRequestGoesThroughWritePath(t *testing.T) {
	e := newEnv(t, testConfig())
	e.seedCollection(t)

	status, err := e.d.ReplayRequest(context.Background(), "POST", addPath("docs"), []byte(`{"ids":["a"]}`), nil)
	if err != nil {
		t.Fatalf("ReplayRequest: %v", err)
	}
	if status != http.StatusOK {
		t.Errorf("status = %d", status)
	}
	if len(e.primary.Ops()) != 1 {
		t.Error("replay did not reach the primary")
	}
	if n, _ := e.wal.PendingFor(context.Background(), backend.Replica); n != 1 {
		t.Error("replayed write must still be logged for the peer")
	}
}
