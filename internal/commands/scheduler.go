package commands

import (
	"context"

	"github.com/spf13/cobra"
)

// NewSchedulerCmd creates the scheduler command.
func NewSchedulerCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the scheduled-import loop",
		Long: `Evaluate scheduled imports every tick, fetch due sources and queue them for
import. Several replicas may run; a schedule is claimed by one of them.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			return runScheduler(ctx, version)
		},
	}
}

func runScheduler(ctx context.Context, version string) error {
	rt, err := newRuntime(ctx, "scheduler", version)
	if err != nil {
		return err
	}
	defer rt.Close()

	schedules, err := newScheduler(rt, rt.importService())
	if err != nil {
		return err
	}

	return schedules.Run(ctx)
}
