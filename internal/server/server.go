// Package server assembles the HTTP surface: the proxy catch-all plus the
// operational endpoints, with graceful shutdown and periodic housekeeping.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vecgate/vecgate/internal/backend"
	"github.com/vecgate/vecgate/internal/config"
	"github.com/vecgate/vecgate/internal/dispatch"
	"github.com/vecgate/vecgate/internal/health"
	"github.com/vecgate/vecgate/internal/metrics"
	"github.com/vecgate/vecgate/internal/recovery"
	"github.com/vecgate/vecgate/internal/store"
	"github.com/vecgate/vecgate/internal/txlog"
	"github.com/vecgate/vecgate/internal/wal"
)

const (
	statsInterval = 5 * time.Minute
	sweepInterval = time.Hour

	shutdownGrace = 20 * time.Second
)

// Server is the assembled HTTP front.
type Server struct {
	cfg        config.Config
	dispatcher *dispatch.Dispatcher
	wal        *wal.Engine
	txlog      *txlog.Log
	store      *store.Store
	instances  backend.Pair
	health     *health.Monitor
	coord      *recovery.Coordinator
	metrics    *metrics.Metrics
	log        *slog.Logger

	httpServer *http.Server
}

// New wires the server.
func New(cfg config.Config, d *dispatch.Dispatcher, w *wal.Engine, tl *txlog.Log, st *store.Store,
	instances backend.Pair, hm *health.Monitor, coord *recovery.Coordinator,
	m *metrics.Metrics, log *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		wal:        w,
		txlog:      tl,
		store:      st,
		instances:  instances,
		health:     hm,
		coord:      coord,
		metrics:    m,
		log:        log.With("component", "server"),
	}
}

// Routes builds the handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /wal/status", s.handleWALStatus)
	mux.HandleFunc("POST /admin/wal/retry", s.handleWALRetry)
	mux.HandleFunc("POST /admin/recover/{instance}", s.handleRecover)
	mux.Handle("/", s.dispatcher)
	return mux
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.cfg.ListenAddr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	go s.housekeeping(ctx)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// housekeeping emits the periodic stats line and runs retention sweeps.
func (s *Server) housekeeping(ctx context.Context) {
	statsTicker := time.NewTicker(statsInterval)
	sweepTicker := time.NewTicker(sweepInterval)
	defer statsTicker.Stop()
	defer sweepTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-statsTicker.C:
			backlog := s.walBacklog(ctx)
			s.log.Info(s.metrics.StatsLine(backlog))
		case <-sweepTicker.C:
			if _, err := s.wal.Sweep(ctx, s.cfg.WALRetention); err != nil {
				s.log.Warn("WAL sweep failed", "error", err)
			}
			if _, err := s.txlog.Sweep(ctx, s.cfg.TxlogRetention); err != nil {
				s.log.Warn("transaction log sweep failed", "error", err)
			}
		}
	}
}

func (s *Server) walBacklog(ctx context.Context) int64 {
	var backlog int64
	for _, inst := range s.instances.All() {
		if n, err := s.wal.PendingFor(ctx, inst.Name); err == nil {
			backlog += n
		}
	}
	return backlog
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type instanceStatus struct {
	Name                string    `json:"name"`
	BaseURL             string    `json:"base_url"`
	Healthy             bool      `json:"healthy"`
	SuccessRate         float64   `json:"success_rate"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	LastProbe           time.Time `json:"last_probe"`
}

// handleStatus reports cluster state. ?realtime=true re-probes both
// instances before answering instead of reporting the cached flags.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	realtime := strings.EqualFold(r.URL.Query().Get("realtime"), "true")

	snap := s.metrics.TakeSnapshot()
	var out struct {
		UptimeSeconds float64          `json:"uptime_seconds"`
		Instances     []instanceStatus `json:"instances"`
		WALBacklog    int64            `json:"wal_backlog"`
		WALByStatus   map[string]int64 `json:"wal_by_status,omitempty"`
		Timeouts      int64            `json:"timeout_requests"`
		QueueFull     int64            `json:"queue_full_rejections"`
		Pool          store.PoolStats  `json:"pool"`
	}
	out.UptimeSeconds = snap.UptimeSeconds
	out.Timeouts = snap.TimeoutRequests
	out.QueueFull = snap.QueueFullRejections
	if report, err := s.wal.Report(r.Context()); err == nil {
		out.WALByStatus = report.ByStatus
	}
	for _, inst := range s.instances.All() {
		healthy := inst.Healthy()
		if realtime {
			healthy = s.health.CheckRealtime(r.Context(), inst)
		}
		out.Instances = append(out.Instances, instanceStatus{
			Name:                inst.Name,
			BaseURL:             inst.BaseURL,
			Healthy:             healthy,
			SuccessRate:         inst.SuccessRate(),
			ConsecutiveFailures: inst.ConsecutiveFailures(),
			LastProbe:           inst.LastProbe(),
		})
	}
	out.WALBacklog = s.walBacklog(r.Context())
	out.Pool = s.store.Stats()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.TakeSnapshot())
}

func (s *Server) handleWALStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.wal.Report(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleWALRetry(w http.ResponseWriter, r *http.Request) {
	n, err := s.wal.ResetFailed(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"reset": n})
}

// handleRecover kicks off the recovery sequence for one instance. The
// work runs in the background; the response only acknowledges the start.
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	inst := s.instances.Get(r.PathValue("instance"))
	if inst == nil {
		http.Error(w, "unknown instance", http.StatusNotFound)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := s.coord.Recover(ctx, inst); err != nil {
			s.log.Error("manual recovery failed", "instance", inst.Name, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"recovering": inst.Name})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
