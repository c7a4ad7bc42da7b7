// Package telemetry provides optional OpenTelemetry metrics export.
//
// Telemetry is disabled by default (zero runtime overhead when off).
//
// # Configuration
//
//	VECGATE_OTEL_ENABLED=true         enable telemetry (default: off)
//	VECGATE_OTEL_STDOUT=true          print metrics to stdout (dev mode)
//	OTEL_EXPORTER_OTLP_ENDPOINT=...   OTLP/HTTP endpoint (e.g. http://localhost:4318)
//	OTEL_SERVICE_NAME=vecgate         override service name
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/vecgate/vecgate/internal/metrics"
)

const instrumentationScope = "github.com/vecgate/vecgate"

var shutdownFns []func(context.Context) error

// Enabled reports whether telemetry is active (VECGATE_OTEL_ENABLED=true).
func Enabled() bool {
	return os.Getenv("VECGATE_OTEL_ENABLED") == "true"
}

// Init configures the OTel meter provider and registers the proxy's
// observable gauges. When telemetry is disabled this is a no-op; the
// default global provider already discards everything.
func Init(ctx context.Context, version string, m *metrics.Metrics, walBacklog func(context.Context) int64) error {
	if !Enabled() {
		return nil
	}

	serviceName := os.Getenv("OTEL_SERVICE_NAME")
	if serviceName == "" {
		serviceName = "vecgate"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	mp, err := buildMeterProvider(ctx, res)
	if err != nil {
		return fmt.Errorf("telemetry: meter provider: %w", err)
	}
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)

	return registerGauges(m, walBacklog)
}

func buildMeterProvider(ctx context.Context, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	var exporters []sdkmetric.Exporter

	if os.Getenv("VECGATE_OTEL_STDOUT") == "true" {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, exp)
	}

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		exp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(endpoint))
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		exporters = append(exporters, exp)
	}

	// Default to stdout when enabled but no exporter is configured.
	if len(exporters) == 0 {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, exp)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, exp := range exporters {
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second))))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}

// registerGauges exposes the existing counter object through OTel rather
// than double-counting at every call site.
func registerGauges(m *metrics.Metrics, walBacklog func(context.Context) int64) error {
	meter := otel.Meter(instrumentationScope)

	walBacklogGauge, err := meter.Int64ObservableGauge("vecgate.wal.backlog")
	if err != nil {
		return err
	}
	walSynced, err := meter.Int64ObservableCounter("vecgate.wal.synced")
	if err != nil {
		return err
	}
	timeouts, err := meter.Int64ObservableCounter("vecgate.requests.timeouts")
	if err != nil {
		return err
	}
	queueFull, err := meter.Int64ObservableCounter("vecgate.requests.queue_full")
	if err != nil {
		return err
	}
	peakRSS, err := meter.Int64ObservableGauge("vecgate.memory.peak_rss_bytes")
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		snap := m.TakeSnapshot()
		o.ObserveInt64(walSynced, snap.WALSynced)
		o.ObserveInt64(timeouts, snap.TimeoutRequests)
		o.ObserveInt64(queueFull, snap.QueueFullRejections)
		o.ObserveInt64(peakRSS, m.PeakRSS())
		if walBacklog != nil {
			o.ObserveInt64(walBacklogGauge, walBacklog(ctx))
		}
		return nil
	}, walBacklogGauge, walSynced, timeouts, queueFull, peakRSS)
	return err
}

// Shutdown flushes exporters. Safe to call when telemetry was never
// enabled.
func Shutdown(ctx context.Context) error {
	var firstErr error
	for _, fn := range shutdownFns {
		if err := fn(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	shutdownFns = nil
	return firstErr
}
