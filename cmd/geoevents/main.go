// Package main is the geoevents binary: the HTTP API, the import workers, the
// scheduled-import loop and the database migrations.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/geoevents/geoevents/internal/commands"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "geoevents",
		Short: "Geospatial event import pipeline",
		Long: `geoevents imports spreadsheets and data files into geolocated events.
Uploads and scheduled fetches are split into per-sheet jobs that run through
duplicate analysis, schema detection and approval, geocoding and event creation.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		commands.NewServeCmd(version),
		commands.NewWorkerCmd(version),
		commands.NewSchedulerCmd(version),
		commands.NewMigrateCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
