package commands

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/geoevents/geoevents/migrations"
)

var errDropNotConfirmed = errors.New("refusing to drop the database without --yes")

// NewMigrateCmd creates the migrate command and its subcommands.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(
		migrateSubcommand("up", "Apply all pending migrations", func(r *migrations.Runner, _ *slog.Logger) error {
			return r.Up()
		}),
		migrateSubcommand("down", "Roll back the most recent migration", func(r *migrations.Runner, _ *slog.Logger) error {
			return r.Down()
		}),
		migrateSubcommand("status", "Show the applied and pending migrations", printStatus),
		newDropCmd(),
	)

	return cmd
}

func migrateSubcommand(use, short string, action func(*migrations.Runner, *slog.Logger) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			return withRunner(ctx, action)
		},
	}
}

func newDropCmd() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Drop every table (destructive)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirm {
				return errDropNotConfirmed
			}

			ctx, cancel := signalContext()
			defer cancel()

			return withRunner(ctx, func(r *migrations.Runner, _ *slog.Logger) error {
				return r.Drop()
			})
		},
	}

	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm dropping all tables")

	return cmd
}

func withRunner(ctx context.Context, action func(*migrations.Runner, *slog.Logger) error) error {
	logger := newLogger().With(slog.String("component", "migrate"))

	runner, err := migrations.NewRunner(ctx, migrations.LoadConfig(), nil, logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := runner.Close(); err != nil {
			logger.Warn("Failed to close migration runner", slog.String("error", err.Error()))
		}
	}()

	return action(runner, logger)
}

func printStatus(r *migrations.Runner, logger *slog.Logger) error {
	status, err := r.Status()
	if err != nil {
		return err
	}

	logger.Info("Migration status",
		slog.Int("version", status.Version),
		slog.Int("latest", status.Latest),
		slog.Int("pending", status.Pending()),
		slog.Bool("dirty", status.Dirty),
	)

	return nil
}
