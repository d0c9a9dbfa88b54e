package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/geoevents/geoevents/internal/aggregation"
	"github.com/geoevents/geoevents/internal/api/middleware"
	"github.com/geoevents/geoevents/internal/ingestion"
	"github.com/geoevents/geoevents/internal/schema"
	"github.com/geoevents/geoevents/internal/scheduler"
	"github.com/geoevents/geoevents/internal/storage"
)

type (
	// ImportService is the operator surface of the import pipeline.
	ImportService interface {
		CreateImport(ctx context.Context, req *ingestion.CreateImportRequest) (*ingestion.ImportFile, []*ingestion.ImportJob, error)
		Progress(ctx context.Context, jobID string) (*ingestion.ImportJob, error)
		Approve(ctx context.Context, jobID, actor string, transforms []schema.Transform) (*ingestion.ImportJob, error)
		Reject(ctx context.Context, jobID, actor, reason string) (*ingestion.ImportJob, error)
		Cancel(ctx context.Context, jobID, actor string) (*ingestion.ImportJob, error)
		Requeue(ctx context.Context, jobID, actor string) (*ingestion.ImportJob, error)
		Delete(ctx context.Context, jobID, actor string) error
		Dataset(ctx context.Context, datasetID string) (*ingestion.Dataset, error)
		DeleteDataset(ctx context.Context, datasetID, actor string) error
	}

	// ScheduleService creates and triggers scheduled imports.
	ScheduleService interface {
		Create(ctx context.Context, sched *scheduler.Schedule) (string, error)
		Get(ctx context.Context, id string) (*scheduler.Schedule, error)
		Trigger(ctx context.Context, id, actor string) (*scheduler.Execution, error)
		TriggerWebhook(ctx context.Context, id, token string) (*scheduler.Execution, error)
		History(ctx context.Context, id string, limit int) ([]*scheduler.Execution, error)
	}

	// HealthChecker reports whether a backing service is reachable.
	HealthChecker interface {
		HealthCheck(ctx context.Context) error
	}

	// Dependencies are the services behind the routes. A nil service leaves
	// its routes unregistered.
	Dependencies struct {
		Keys        storage.KeyStore
		RateLimiter middleware.RateLimiter
		Imports     ImportService
		Schedules   ScheduleService
		Events      aggregation.Store
		Health      HealthChecker
		Logger      *slog.Logger
	}
)

var _ ImportService = (*ingestion.Service)(nil)

var _ ScheduleService = (*scheduler.Scheduler)(nil)

// Server represents the HTTP API server.
type Server struct {
	httpServer  *http.Server
	handler     http.Handler
	logger      *slog.Logger
	config      *ServerConfig
	startTime   time.Time
	keys        storage.KeyStore
	rateLimiter middleware.RateLimiter
	imports     ImportService
	schedules   ScheduleService
	events      aggregation.Store
	health      HealthChecker
}

// NewServer creates the server with its routes and middleware chain.
// Configuration (what) is kept apart from dependencies (how).
func NewServer(cfg *ServerConfig, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: cfg.LogLevel,
		}))
	}

	mux := http.NewServeMux()

	server := &Server{
		logger:      logger,
		config:      cfg,
		startTime:   time.Now(),
		keys:        deps.Keys,
		rateLimiter: deps.RateLimiter,
		imports:     deps.Imports,
		schedules:   deps.Schedules,
		events:      deps.Events,
		health:      deps.Health,
	}

	server.setupRoutes(mux)

	if deps.Keys == nil {
		logger.Warn("KeyStore not configured - API key authentication disabled")
	}

	if deps.RateLimiter == nil {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	// CORS sits outside auth: preflights carry no API key, and 401/429
	// problems must still be readable by browser clients.
	server.handler = middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithCORS(cfg.CORS),
		middleware.WithAuth(deps.Keys, logger),
		middleware.WithRateLimit(deps.RateLimiter, logger),
		middleware.WithRequestLogger(logger),
	)

	server.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           server.handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	return server
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting geoevents API server",
			slog.String("address", s.config.Address()),
			slog.String("version", s.config.Version),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		s.logger.Info("Received shutdown signal")

		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.closeDependency("API key store", s.keys)
	s.closeDependency("rate limiter", s.rateLimiter)

	s.logger.Info("Server shutdown completed successfully")

	return nil
}

// closeDependency closes dep when it holds resources.
func (s *Server) closeDependency(name string, dep any) {
	closer, ok := dep.(io.Closer)
	if !ok {
		if stopper, ok := dep.(interface{ Close() }); ok {
			stopper.Close()
		}

		return
	}

	if err := closer.Close(); err != nil {
		s.logger.Error("Failed to close "+name, slog.String("error", err.Error()))

		return
	}

	s.logger.Info("Closed " + name)
}
