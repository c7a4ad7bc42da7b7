// Package dispatch is the request front door: admission control, read and
// write routing across the two instances, collection fan-out, WAL capture
// for the side that missed a write, and the replay entry point the
// transaction recovery loop uses.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vecgate/vecgate/internal/backend"
	"github.com/vecgate/vecgate/internal/config"
	"github.com/vecgate/vecgate/internal/debug"
	"github.com/vecgate/vecgate/internal/health"
	"github.com/vecgate/vecgate/internal/mapping"
	"github.com/vecgate/vecgate/internal/metrics"
	"github.com/vecgate/vecgate/internal/txlog"
	"github.com/vecgate/vecgate/internal/wal"
)

// maxBodyBytes bounds a buffered request body. Vector batches are large;
// anything past this is rejected rather than buffered.
const maxBodyBytes = 256 << 20

// Request classes for metrics.
const (
	classRead             = "read"
	classWrite            = "write"
	classCollectionCreate = "collection_create"
	classCollectionDelete = "collection_delete"
)

// Dispatcher routes client traffic. One per process.
type Dispatcher struct {
	cfg       config.Config
	client    *backend.Client
	instances backend.Pair
	health    *health.Monitor
	resolver  *mapping.Resolver
	wal       *wal.Engine
	txlog     *txlog.Log
	metrics   *metrics.Metrics
	log       *slog.Logger

	sem     *semaphore.Weighted
	waiters atomic.Int64

	// read_replica_ratio, hot reloadable.
	ratioBits atomic.Uint64
}

// New wires a dispatcher.
func New(cfg config.Config, client *backend.Client, instances backend.Pair, hm *health.Monitor,
	resolver *mapping.Resolver, w *wal.Engine, tl *txlog.Log, m *metrics.Metrics, log *slog.Logger) *Dispatcher {

	d := &Dispatcher{
		cfg:       cfg,
		client:    client,
		instances: instances,
		health:    hm,
		resolver:  resolver,
		wal:       w,
		txlog:     tl,
		metrics:   m,
		log:       log.With("component", "dispatch"),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
	}
	d.SetReadReplicaRatio(cfg.ReadReplicaRatio)
	return d
}

// SetReadReplicaRatio updates the read sampling ratio (config hot reload).
func (d *Dispatcher) SetReadReplicaRatio(ratio float64) {
	if ratio >= 0 && ratio <= 1 {
		d.ratioBits.Store(math.Float64bits(ratio))
	}
}

func (d *Dispatcher) readReplicaRatio() float64 {
	return math.Float64frombits(d.ratioBits.Load())
}

// admit acquires an execution slot: immediate when one is free, queued up
// to the admission timeout when the queue has room, rejected otherwise.
func (d *Dispatcher) admit(ctx context.Context) error {
	if d.sem.TryAcquire(1) {
		return nil
	}
	if d.waiters.Load() >= int64(d.cfg.RequestQueueSize) {
		d.metrics.RecordQueueFull()
		return fmt.Errorf("request queue full")
	}
	d.waiters.Add(1)
	defer d.waiters.Add(-1)

	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.AdmissionTimeout)
	defer cancel()
	if err := d.sem.Acquire(waitCtx, 1); err != nil {
		d.metrics.RecordTimeout()
		return fmt.Errorf("admission timed out after %s", d.cfg.AdmissionTimeout)
	}
	return nil
}

// ServeHTTP is the catch-all proxy handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "read request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	path := backend.NormalizePath(r.URL.Path)
	class := classify(r.Method, path)

	// Mutations hit the safety log before anything can fail.
	var txID string
	if class != classRead {
		txID, err = d.txlog.Begin(ctx, txlog.IdentityFromRequest(r), r.Method, path, body, flattenHeader(r.Header))
		if err != nil {
			d.log.Error("transaction log unavailable", "error", err)
			http.Error(w, "transaction log unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	if err := d.admit(ctx); err != nil {
		d.failTx(ctx, txID, err.Error(), false)
		d.metrics.RecordError(class)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer d.sem.Release(1)

	switch class {
	case classRead:
		d.handleRead(w, r, path, body)
	case classCollectionCreate:
		d.handleCollectionCreate(w, r, path, body, txID)
	case classCollectionDelete:
		d.handleCollectionDelete(w, r, path, txID)
	default:
		d.handleWrite(w, r, path, body, txID)
	}
	d.metrics.RecordRequest(class, time.Since(start))
}

func classify(method, path string) string {
	switch {
	case backend.IsRead(method, path):
		return classRead
	case backend.IsCollectionCreate(method, path):
		return classCollectionCreate
	case backend.IsCollectionDelete(method, path):
		return classCollectionDelete
	}
	return classWrite
}

// handleRead proxies a read to the sampled instance, streaming the
// response through.
func (d *Dispatcher) handleRead(w http.ResponseWriter, r *http.Request, path string, body []byte) {
	ctx := r.Context()
	inst := d.selectForRead(path)
	if inst == nil {
		d.metrics.RecordNoHealthyInstance()
		http.Error(w, "no healthy instance", http.StatusServiceUnavailable)
		return
	}

	targetPath, err := d.pathForInstance(ctx, path, inst)
	if err != nil {
		d.respondResolveError(w, err)
		return
	}

	resp, err := d.client.Do(ctx, inst, r.Method, targetPath+rawQuery(r), body, proxyHeader(r.Header))
	if err != nil {
		// One transport-level failover for reads.
		other := d.instances.Other(inst.Name)
		if other.Healthy() {
			if otherPath, rerr := d.pathForInstance(ctx, path, other); rerr == nil {
				if resp2, err2 := d.client.Do(ctx, other, r.Method, otherPath+rawQuery(r), body, proxyHeader(r.Header)); err2 == nil {
					d.metrics.RecordRouted(other.Name)
					streamResponse(w, resp2)
					return
				}
			}
		}
		d.metrics.RecordError(classRead)
		http.Error(w, "backend unreachable: "+err.Error(), http.StatusBadGateway)
		return
	}
	d.metrics.RecordRouted(inst.Name)
	streamResponse(w, resp)
}

// handleWrite executes a document-level mutation on one instance and logs
// it for the other.
func (d *Dispatcher) handleWrite(w http.ResponseWriter, r *http.Request, path string, body []byte, txID string) {
	ctx := r.Context()
	inst, timingGap := d.selectForWrite(ctx)
	if inst == nil {
		d.metrics.RecordNoHealthyInstance()
		d.failTx(ctx, txID, "no healthy instance", timingGap)
		http.Error(w, "no healthy instance", http.StatusServiceUnavailable)
		return
	}

	targetPath, err := d.pathForInstance(ctx, path, inst)
	if err != nil {
		d.respondResolveError(w, err)
		d.completeTx(ctx, txID, inst.Name, http.StatusNotFound)
		return
	}

	status, respBody, err := d.client.DoRead(ctx, inst, r.Method, targetPath, body, proxyHeader(r.Header))
	if err != nil {
		// The instance passed its realtime check moments ago; this is the
		// timing gap the safety log exists for.
		d.metrics.RecordError(classWrite)
		d.failTx(ctx, txID, err.Error(), true)
		http.Error(w, "backend unreachable: "+err.Error(), http.StatusBadGateway)
		return
	}
	d.metrics.RecordRouted(inst.Name)

	if status >= 200 && status < 300 {
		if _, err := d.wal.AddWrite(ctx, wal.AddParams{
			Method:         r.Method,
			Path:           path,
			Body:           body,
			Headers:        flattenHeader(r.Header),
			TargetInstance: d.instances.Other(inst.Name).Name,
			ExecutedOn:     inst.Name,
		}); err != nil {
			// The write landed but its replication record did not; surface
			// loudly, the peers will diverge until an operator intervenes.
			d.log.Error("WAL append failed after successful write",
				"path", path, "instance", inst.Name, "error", err)
		}
	}
	d.completeTx(ctx, txID, inst.Name, status)
	writeRaw(w, status, respBody)
}

// ReplayRequest re-executes a recovered transaction through the normal
// write path, without logging a new transaction for it.
func (d *Dispatcher) ReplayRequest(ctx context.Context, method, path string, body []byte, headers map[string]string) (int, error) {
	path = backend.NormalizePath(path)
	switch classify(method, path) {
	case classCollectionCreate:
		status, _, err := d.fanoutCreate(ctx, path, body)
		return status, err
	case classCollectionDelete:
		return d.fanoutDelete(ctx, path)
	case classRead:
		return 0, fmt.Errorf("refusing to replay a read")
	}

	inst, _ := d.selectForWrite(ctx)
	if inst == nil {
		return 0, fmt.Errorf("no healthy instance")
	}
	targetPath, err := d.pathForInstance(ctx, path, inst)
	if err != nil {
		return 0, err
	}
	status, _, err := d.client.DoRead(ctx, inst, method, targetPath, body, headerFromMap(headers))
	if err != nil {
		return 0, err
	}
	if status >= 200 && status < 300 {
		if _, err := d.wal.AddWrite(ctx, wal.AddParams{
			Method: method, Path: path, Body: body, Headers: headers,
			TargetInstance: d.instances.Other(inst.Name).Name,
			ExecutedOn:     inst.Name,
		}); err != nil {
			d.log.Error("WAL append failed during transaction replay", "path", path, "error", err)
		}
	}
	return status, nil
}

func (d *Dispatcher) failTx(ctx context.Context, txID, reason string, timingGap bool) {
	if txID == "" {
		return
	}
	if err := d.txlog.MarkFailed(ctx, txID, reason, timingGap); err != nil {
		d.log.Error("mark transaction failed", "transaction_id", txID, "error", err)
	}
}

func (d *Dispatcher) completeTx(ctx context.Context, txID, instance string, status int) {
	if txID == "" {
		return
	}
	if err := d.txlog.MarkCompleted(ctx, txID, instance, status); err != nil {
		d.log.Error("mark transaction completed", "transaction_id", txID, "error", err)
	}
}

func (d *Dispatcher) respondResolveError(w http.ResponseWriter, err error) {
	if isUnresolved(err) {
		http.Error(w, "collection not found", http.StatusNotFound)
		return
	}
	http.Error(w, "resolve collection: "+err.Error(), http.StatusInternalServerError)
}

func isUnresolved(err error) bool {
	return errors.Is(err, mapping.ErrUnresolved) || errors.Is(err, backend.ErrNotFound)
}

// streamResponse relays an upstream response without buffering.
func streamResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		debug.Logf("stream response: %v\n", err)
	}
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func rawQuery(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return ""
	}
	return "?" + r.URL.RawQuery
}
