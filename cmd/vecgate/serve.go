package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/vecgate/vecgate/internal/backend"
	"github.com/vecgate/vecgate/internal/config"
	"github.com/vecgate/vecgate/internal/debug"
	"github.com/vecgate/vecgate/internal/dispatch"
	"github.com/vecgate/vecgate/internal/health"
	"github.com/vecgate/vecgate/internal/mapping"
	"github.com/vecgate/vecgate/internal/metrics"
	"github.com/vecgate/vecgate/internal/monitor"
	"github.com/vecgate/vecgate/internal/recovery"
	"github.com/vecgate/vecgate/internal/server"
	"github.com/vecgate/vecgate/internal/store"
	"github.com/vecgate/vecgate/internal/telemetry"
	"github.com/vecgate/vecgate/internal/txlog"
	"github.com/vecgate/vecgate/internal/wal"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func buildLogger(cfg config.Config) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.LogFile != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	level := slog.LevelInfo
	if debug.Enabled() {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func serve(parent context.Context, cfg config.Config) error {
	log := buildLogger(cfg)
	slog.SetDefault(log)

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// One proxy per data dir; two would race the WAL.
	lock := flock.New(filepath.Join(cfg.DataDir, "vecgate.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another vecgate instance is using %s", cfg.DataDir)
	}
	defer lock.Unlock()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.DataDir, cfg.EnableConnectionPooling)
	if err != nil {
		return err
	}
	defer st.Close()
	log.Info("store ready", "dialect", st.Dialect(), "path", st.Path())

	locks := store.NewLocks(cfg.EnableGranularLocking)
	client := backend.NewClient(cfg.RequestTimeout)
	instances := backend.Pair{
		Primary: backend.NewInstance(backend.Primary, cfg.PrimaryURL, 2),
		Replica: backend.NewInstance(backend.Replica, cfg.ReplicaURL, 1),
	}
	m := metrics.New()
	resolver := mapping.NewResolver(st, client, instances, locks)

	res := monitor.New(cfg.MaxMemoryMB, m, log)
	engine := wal.NewEngine(st, locks, resolver, client, instances, m, log, wal.Options{
		DefaultBatchSize: cfg.DefaultBatchSize,
		MaxBatchSize:     cfg.MaxBatchSize,
		MaxWorkers:       cfg.MaxWorkers,
		SyncInterval:     cfg.SyncInterval,
	}, res.Pressure)
	tl := txlog.NewLog(st, m, log)
	coord := recovery.NewCoordinator(engine, resolver, client, instances, log)

	hm := health.NewMonitor(client, instances, cfg.CheckInterval, log,
		func(inst *backend.Instance) {
			go func() {
				if err := coord.Recover(ctx, inst); err != nil {
					log.Error("recovery failed", "instance", inst.Name, "error", err)
				}
			}()
		}, nil)

	d := dispatch.New(cfg, client, instances, hm, resolver, engine, tl, m, log)

	if err := telemetry.Init(ctx, version, m, func(ctx context.Context) int64 {
		var backlog int64
		for _, inst := range instances.All() {
			if n, err := engine.PendingFor(ctx, inst.Name); err == nil {
				backlog += n
			}
		}
		return backlog
	}); err != nil {
		log.Warn("telemetry init failed", "error", err)
	}

	go hm.Run(ctx)
	go res.Run(ctx)
	go engine.SyncLoop(ctx)
	go tl.RecoveryLoop(ctx, d, 30*time.Second)

	if err := config.Watch(configPath, func(r config.Reloadable) {
		log.Info("config reloaded", "read_replica_ratio", r.ReadReplicaRatio, "sync_interval", r.SyncInterval)
		d.SetReadReplicaRatio(r.ReadReplicaRatio)
		engine.SetSyncInterval(r.SyncInterval)
	}); err != nil {
		log.Warn("config watch unavailable", "error", err)
	}

	srv := server.New(cfg, d, engine, tl, st, instances, hm, coord, m, log)
	err = srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := telemetry.Shutdown(shutdownCtx); terr != nil {
		log.Warn("telemetry shutdown", "error", terr)
	}
	return err
}
