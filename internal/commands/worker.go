package commands

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/geoevents/geoevents/internal/aliasing"
	"github.com/geoevents/geoevents/internal/geocoding"
	"github.com/geoevents/geoevents/internal/ingestion"
)

// NewWorkerCmd creates the worker command.
func NewWorkerCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the import job workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			return runWorker(ctx, version)
		},
	}
}

func runWorker(ctx context.Context, version string) error {
	rt, err := newRuntime(ctx, "worker", version)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := newPool(rt).Run(ctx); err != nil {
		return err
	}

	rt.logger.Info("Import workers stopped")

	return nil
}

// newPool builds the workers with geocoding backed by the PostgreSQL location
// cache and provider statistics.
func newPool(rt *runtime) *ingestion.Pool {
	geoCfg, err := geocoding.LoadConfigFromEnv()
	if err != nil {
		rt.logger.Warn("Geocoding config unusable, using defaults", slog.String("error", err.Error()))

		geoCfg = geocoding.DefaultConfig()
	}

	resolver := geocoding.NewResolverFromConfig(geoCfg, rt.store, http.DefaultClient,
		geocoding.WithStatsRecorder(rt.store),
		geocoding.WithLogger(rt.logger),
	)

	aliasCfg, err := aliasing.LoadConfigFromEnv()
	if err != nil {
		rt.logger.Warn("Column aliases unusable, continuing without", slog.String("error", err.Error()))
	}

	aliases := aliasing.NewResolver(aliasCfg)
	if aliases.Len() > 0 {
		rt.logger.Info("Column aliases loaded", slog.Int("count", aliases.Len()))
	}

	processor := ingestion.NewProcessor(rt.store, rt.objects, rt.pipeline,
		ingestion.WithGeocoder(resolver),
		ingestion.WithColumnAliases(aliases),
		ingestion.WithQuota(rt.quota),
		ingestion.WithMetrics(rt.metrics),
		ingestion.WithProcessorLogger(rt.logger),
	)

	return ingestion.NewPool(rt.store, processor, rt.pipeline, rt.logger)
}
