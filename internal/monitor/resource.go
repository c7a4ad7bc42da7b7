// Package monitor samples process memory and publishes a pressure verdict
// that shrinks WAL replay batches before the process gets into trouble.
package monitor

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vecgate/vecgate/internal/metrics"
	"github.com/vecgate/vecgate/internal/wal"
)

const sampleInterval = 30 * time.Second

// Thresholds as fractions of the configured ceiling.
const (
	softFraction = 0.70
	hardFraction = 0.85
	gcFraction   = 0.90
)

// Resource tracks RSS against the configured ceiling.
type Resource struct {
	ceilingBytes int64
	metrics      *metrics.Metrics
	log          *slog.Logger

	rssBytes atomic.Int64
	gcFired  atomic.Bool
}

// New builds a monitor for a ceiling in MB. Zero disables pressure
// verdicts entirely.
func New(maxMemoryMB int, m *metrics.Metrics, log *slog.Logger) *Resource {
	return &Resource{
		ceilingBytes: int64(maxMemoryMB) << 20,
		metrics:      m,
		log:          log.With("component", "monitor"),
	}
}

// Run samples until ctx is cancelled.
func (r *Resource) Run(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	r.Sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sample()
		}
	}
}

// Sample reads the current RSS, updates metrics, and requests a GC when
// crossing the top threshold. Returns the sampled bytes.
func (r *Resource) Sample() int64 {
	rss := readRSS()
	if rss <= 0 {
		return 0
	}
	r.rssBytes.Store(rss)
	r.metrics.RecordRSS(rss)

	if r.ceilingBytes > 0 {
		over := rss >= int64(float64(r.ceilingBytes)*gcFraction)
		if over && r.gcFired.CompareAndSwap(false, true) {
			r.log.Warn("memory near ceiling, forcing GC",
				"rss_mb", rss>>20, "ceiling_mb", r.ceilingBytes>>20)
			runtime.GC()
		} else if !over {
			r.gcFired.Store(false)
		}
	}
	return rss
}

// RSS returns the last sampled resident set size in bytes.
func (r *Resource) RSS() int64 { return r.rssBytes.Load() }

// Pressure is the verdict the WAL engine polls before sizing a batch.
func (r *Resource) Pressure() wal.MemoryPressure {
	if r.ceilingBytes <= 0 {
		return wal.PressureNone
	}
	rss := float64(r.rssBytes.Load())
	ceiling := float64(r.ceilingBytes)
	switch {
	case rss >= ceiling*hardFraction:
		return wal.PressureHard
	case rss >= ceiling*softFraction:
		return wal.PressureSoft
	}
	return wal.PressureNone
}

// readRSS prefers /proc/self/statm (actual resident pages) and falls back
// to getrusage's high-water mark where procfs is unavailable.
func readRSS() int64 {
	if data, err := os.ReadFile("/proc/self/statm"); err == nil {
		fields := bytes.Fields(data)
		if len(fields) >= 2 {
			if pages, err := strconv.ParseInt(string(fields[1]), 10, 64); err == nil {
				return pages * int64(os.Getpagesize())
			}
		}
	}
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err == nil {
		return ru.Maxrss * 1024
	}
	return 0
}
