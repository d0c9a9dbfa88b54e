package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/geoevents/geoevents/internal/aggregation"
	"github.com/geoevents/geoevents/internal/api"
	"github.com/geoevents/geoevents/internal/api/middleware"
	"github.com/geoevents/geoevents/internal/config"
	"github.com/geoevents/geoevents/internal/scheduler"
	"github.com/geoevents/geoevents/internal/storage"
)

type serveOptions struct {
	withWorkers   bool
	withScheduler bool
}

// NewServeCmd creates the serve command.
func NewServeCmd(version string) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the HTTP API. With --workers and --scheduler the import workers and
the scheduled-import loop run in the same process, which is required when
object storage is in memory.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			return runServe(ctx, version, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.withWorkers, "workers", false, "also run the import workers")
	cmd.Flags().BoolVar(&opts.withScheduler, "scheduler", false, "also run the scheduled-import loop")

	return cmd
}

func runServe(ctx context.Context, version string, opts serveOptions) error {
	rt, err := newRuntime(ctx, "api", version)
	if err != nil {
		return err
	}
	defer rt.Close()

	serverConfig := api.LoadServerConfig()
	serverConfig.Version = version

	rt.logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Int64("max_upload_size", serverConfig.MaxUploadSize),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	keys, err := keyStore(rt)
	if err != nil {
		return err
	}

	limiter, err := rateLimiter(rt.logger)
	if err != nil {
		return err
	}

	events, closeEvents, err := eventStore(ctx, rt)
	if err != nil {
		return err
	}
	defer closeEvents()

	imports := rt.importService()
	schedules, err := newScheduler(rt, imports)
	if err != nil {
		return err
	}

	server := api.NewServer(serverConfig, api.Dependencies{
		Keys:        keys,
		RateLimiter: limiter,
		Imports:     imports,
		Schedules:   schedules,
		Events:      events,
		Health:      rt.conn,
		Logger:      rt.logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return server.Start(gctx) })

	if opts.withWorkers {
		pool := newPool(rt)

		g.Go(func() error { return pool.Run(gctx) })
	}

	if opts.withScheduler {
		g.Go(func() error { return schedules.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		return err
	}

	rt.logger.Info("geoevents API stopped")

	return nil
}

// keyStore returns nil when authentication is disabled.
func keyStore(rt *runtime) (storage.KeyStore, error) {
	if !config.GetEnvBool("GEOEVENTS_AUTH_ENABLED", true) {
		rt.logger.Warn("API key authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set GEOEVENTS_AUTH_ENABLED=true to enable API key authentication"),
		)

		return nil, nil
	}

	keys, err := storage.NewPostgresKeyStore(rt.conn, rt.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}

	return keys, nil
}

func rateLimiter(logger *slog.Logger) (middleware.RateLimiter, error) {
	cfg := middleware.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", cfg.GlobalRPS),
		slog.Int("account_rps", cfg.AccountRPS),
		slog.Int("unauth_rps", cfg.UnAuthRPS),
		slog.Bool("distributed", cfg.Distributed()),
	)

	if !cfg.Distributed() {
		return middleware.NewInMemoryRateLimiter(cfg), nil
	}

	return middleware.NewRedisRateLimiter(cfg, cfg.NewRedisClient(), logger), nil
}

// eventStore serves aggregation queries through pgx, cached in Redis when an
// address is configured.
func eventStore(ctx context.Context, rt *runtime) (aggregation.Store, func(), error) {
	cfg := aggregation.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	pg, err := aggregation.NewPostgresStore(ctx, rt.storeCfg.DatabaseURL())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open aggregation store: %w", err)
	}

	if !cfg.CacheEnabled() {
		return pg, pg.Close, nil
	}

	client := cfg.NewRedisClient()
	cached := aggregation.NewCachedStore(pg, client, cfg.CacheTTL, cfg.KeyPrefix, rt.logger)

	rt.logger.Info("Aggregation cache enabled",
		slog.String("redis_addr", cfg.RedisAddr),
		slog.Duration("ttl", cfg.CacheTTL),
	)

	return cached, func() {
		_ = client.Close()
		pg.Close()
	}, nil
}

func newScheduler(rt *runtime, importer scheduler.Importer) (*scheduler.Scheduler, error) {
	cfg := scheduler.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler configuration: %w", err)
	}

	return scheduler.New(rt.store, importer, cfg,
		scheduler.WithAudit(rt.audit),
		scheduler.WithQuota(rt.quota),
		scheduler.WithMetrics(rt.metrics),
		scheduler.WithLogger(rt.logger),
	), nil
}
