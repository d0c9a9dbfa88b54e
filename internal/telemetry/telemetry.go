// Package telemetry wires OpenTelemetry tracing and metrics for the pipeline and
// scheduler. When export is disabled the global no-op providers stay in place, so
// instrumented code never needs to check whether telemetry is on.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/geoevents/geoevents/internal/config"
)

const instrumentationName = "github.com/geoevents/geoevents"

// Config controls OTLP export.
type Config struct {
	Enabled        bool
	Endpoint       string
	Insecure       bool
	ServiceName    string
	ServiceVersion string
	MetricInterval time.Duration
}

// LoadConfig reads GEOEVENTS_OTEL_* variables. Export is off by default.
func LoadConfig(version string) *Config {
	return &Config{
		Enabled:        config.GetEnvBool("GEOEVENTS_OTEL_ENABLED", false),
		Endpoint:       config.GetEnvStr("GEOEVENTS_OTEL_ENDPOINT", "localhost:4317"),
		Insecure:       config.GetEnvBool("GEOEVENTS_OTEL_INSECURE", true),
		ServiceName:    config.GetEnvStr("GEOEVENTS_OTEL_SERVICE_NAME", "geoevents"),
		ServiceVersion: version,
		MetricInterval: config.GetEnvDuration("GEOEVENTS_OTEL_METRIC_INTERVAL", 30*time.Second),
	}
}

// ShutdownFunc flushes and stops the providers.
type ShutdownFunc func(ctx context.Context) error

// Setup installs global tracer and meter providers exporting over OTLP/gRPC.
func Setup(ctx context.Context, cfg *Config) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}

	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)

		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(cfg.MetricInterval))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	slog.Info("Telemetry export enabled",
		slog.String("endpoint", cfg.Endpoint),
		slog.String("service", cfg.ServiceName))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// Tracer returns the package tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Metrics holds the pipeline instruments.
type Metrics struct {
	jobsFinished       metric.Int64Counter
	stageDuration      metric.Float64Histogram
	eventsCreated      metric.Int64Counter
	geocodedRows       metric.Int64Counter
	scheduleExecutions metric.Int64Counter
}

// NewMetrics creates the instruments on meter, or on the global meter when nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	var (
		m   Metrics
		err error
		all []error
	)

	m.jobsFinished, err = meter.Int64Counter("geoevents.import_jobs.finished",
		metric.WithDescription("Import jobs that reached a terminal stage"))
	all = append(all, err)

	m.stageDuration, err = meter.Float64Histogram("geoevents.import_jobs.stage_duration",
		metric.WithDescription("Time spent executing one pipeline stage"),
		metric.WithUnit("s"))
	all = append(all, err)

	m.eventsCreated, err = meter.Int64Counter("geoevents.events.created",
		metric.WithDescription("Events written by the pipeline"))
	all = append(all, err)

	m.geocodedRows, err = meter.Int64Counter("geoevents.geocoding.rows",
		metric.WithDescription("Rows resolved by the geocoding stage, by provenance"))
	all = append(all, err)

	m.scheduleExecutions, err = meter.Int64Counter("geoevents.scheduler.executions",
		metric.WithDescription("Scheduled import executions by status"))
	all = append(all, err)

	if err := errors.Join(all...); err != nil {
		return nil, fmt.Errorf("create instruments: %w", err)
	}

	return &m, nil
}

// JobFinished counts a terminal job.
func (m *Metrics) JobFinished(ctx context.Context, stage string) {
	m.jobsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// StageCompleted records how long a stage ran and whether it succeeded.
func (m *Metrics) StageCompleted(ctx context.Context, stage, outcome string, elapsed time.Duration) {
	m.stageDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	))
}

// EventsCreated counts written events.
func (m *Metrics) EventsCreated(ctx context.Context, n int) {
	m.eventsCreated.Add(ctx, int64(n))
}

// RowsGeocoded counts resolved rows by provenance.
func (m *Metrics) RowsGeocoded(ctx context.Context, provenance string, n int) {
	m.geocodedRows.Add(ctx, int64(n), metric.WithAttributes(attribute.String("provenance", provenance)))
}

// ScheduleExecuted counts a scheduled execution by status and actor.
func (m *Metrics) ScheduleExecuted(ctx context.Context, status, actor string) {
	m.scheduleExecutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("actor", actor),
	))
}
