package otelinit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Instruments holds the common counters/histograms shared across cuenv
// components so they are created exactly once per process.
type Instruments struct {
	TaskDispatched   metric.Int64Counter
	TaskSucceeded    metric.Int64Counter
	TaskFailed       metric.Int64Counter
	CacheHits        metric.Int64Counter
	CacheMisses      metric.Int64Counter
	CasBytesWritten  metric.Int64Counter
	GcBytesFreed     metric.Int64Counter
	RetryAttempts    metric.Int64Counter
	CircuitOpenTotal metric.Int64Counter
}

// InitMetrics sets up a global OTLP metrics exporter (push) and returns its
// shutdown function.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, m Instruments) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, createInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, createInstruments()
}

func createInstruments() Instruments {
	meter := otel.Meter("cuenv")
	dispatched, _ := meter.Int64Counter("cuenv_task_dispatched_total")
	succeeded, _ := meter.Int64Counter("cuenv_task_succeeded_total")
	failed, _ := meter.Int64Counter("cuenv_task_failed_total")
	hits, _ := meter.Int64Counter("cuenv_cache_hits_total")
	misses, _ := meter.Int64Counter("cuenv_cache_misses_total")
	written, _ := meter.Int64Counter("cuenv_cas_bytes_written_total")
	freed, _ := meter.Int64Counter("cuenv_gc_bytes_freed_total")
	retry, _ := meter.Int64Counter("cuenv_resilience_retry_attempts_total")
	circuit, _ := meter.Int64Counter("cuenv_resilience_circuit_open_total")
	return Instruments{
		TaskDispatched:   dispatched,
		TaskSucceeded:    succeeded,
		TaskFailed:       failed,
		CacheHits:        hits,
		CacheMisses:      misses,
		CasBytesWritten:  written,
		GcBytesFreed:     freed,
		RetryAttempts:    retry,
		CircuitOpenTotal: circuit,
	}
}
