// Package commands implements the geoevents subcommands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geoevents/geoevents/internal/audit"
	"github.com/geoevents/geoevents/internal/config"
	"github.com/geoevents/geoevents/internal/ingestion"
	"github.com/geoevents/geoevents/internal/objectstore"
	"github.com/geoevents/geoevents/internal/quota"
	"github.com/geoevents/geoevents/internal/storage"
	"github.com/geoevents/geoevents/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// runtime holds the dependencies every long-running command shares.
type runtime struct {
	logger    *slog.Logger
	storeCfg  *storage.Config
	conn      *storage.Connection
	store     *storage.PostgresStore
	objects   objectstore.Store
	audit     audit.Publisher
	quota     quota.Checker
	metrics   *telemetry.Metrics
	pipeline  *ingestion.Config
	telemetry telemetry.ShutdownFunc
}

func newLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))
	slog.SetDefault(logger)

	return logger
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newRuntime connects to PostgreSQL and object storage and installs telemetry.
// Close releases everything newRuntime opened.
func newRuntime(ctx context.Context, component, version string) (*runtime, error) {
	rt := &runtime{logger: newLogger().With(slog.String("component", component))}

	rt.logger.Info("Starting geoevents", slog.String("version", version))

	rt.pipeline = ingestion.LoadConfig()
	if err := rt.pipeline.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline configuration: %w", err)
	}

	shutdown, err := telemetry.Setup(ctx, telemetry.LoadConfig(version))
	if err != nil {
		return nil, err
	}

	rt.telemetry = shutdown

	if rt.metrics, err = telemetry.NewMetrics(nil); err != nil {
		rt.Close()

		return nil, fmt.Errorf("create metrics: %w", err)
	}

	rt.storeCfg = storage.LoadConfig()

	if rt.conn, err = storage.NewConnection(ctx, rt.storeCfg); err != nil {
		rt.Close()

		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if rt.store, err = storage.NewPostgresStore(rt.conn, rt.logger); err != nil {
		rt.Close()

		return nil, err
	}

	rt.logger.Info("Database connected",
		slog.String("database_url", rt.storeCfg.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", rt.storeCfg.MaxOpenConns),
		slog.Int("database_max_idle_conns", rt.storeCfg.MaxIdleConns),
	)

	objectsCfg := objectstore.LoadConfig()

	if rt.objects, err = objectstore.New(ctx, objectsCfg); err != nil {
		rt.Close()

		return nil, fmt.Errorf("failed to open object storage: %w", err)
	}

	if objectsCfg.Backend == objectstore.BackendMemory {
		rt.logger.Warn("Object storage is in memory - uploads are lost on restart and not shared between processes")
	}

	rt.audit = audit.New(audit.LoadConfig(), rt.logger)
	rt.quota = quota.NewStaticChecker(quota.LoadLimits(), rt.store)

	return rt, nil
}

func (rt *runtime) importService() *ingestion.Service {
	return ingestion.NewService(rt.store, rt.objects, rt.pipeline,
		ingestion.WithServiceQuota(rt.quota),
		ingestion.WithAuditPublisher(rt.audit),
		ingestion.WithServiceLogger(rt.logger),
	)
}

// Close flushes telemetry and closes connections. It is safe on a partially
// built runtime.
func (rt *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error

	if rt.audit != nil {
		errs = append(errs, rt.audit.Close())
	}

	if rt.conn != nil {
		errs = append(errs, rt.conn.Close())
	}

	if rt.telemetry != nil {
		errs = append(errs, rt.telemetry(ctx))
	}

	if err := errors.Join(errs...); err != nil {
		rt.logger.Warn("Shutdown finished with errors", slog.String("error", err.Error()))
	}
}
