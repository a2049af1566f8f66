package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/codex/internal/api"
	"github.com/jackzampolin/codex/internal/svcctx"
)

var sweeperOnce bool

var sweeperCmd = &cobra.Command{
	Use:   "sweeper",
	Short: "Run the maintenance sweeper",
	Long: `Run the maintenance sweeper on its configured schedule.

Each sweep returns expired deliveries to their queues, charges dead-lettered
batches to their jobs, settles jobs whose workers went quiet and prunes
finished jobs past retention.

Run exactly one sweeper per deployment.

Examples:
  codex sweeper           # Run on schedule until interrupted
  codex sweeper --once    # Run one sweep and print the report`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		_, mgr, logger, err := setup()
		if err != nil {
			return err
		}
		services, err := svcctx.Open(ctx, mgr.Get(), logger)
		if err != nil {
			return err
		}
		defer services.Close()

		sw := services.Sweeper(mgr.Get())
		if sweeperOnce {
			report, err := sw.RunOnce(ctx)
			if outErr := api.Output(report); outErr != nil {
				return outErr
			}
			return err
		}

		if err := sw.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		sw.Stop()
		return nil
	},
}

func init() {
	sweeperCmd.Flags().BoolVar(&sweeperOnce, "once", false, "Run a single sweep and exit")

	rootCmd.AddCommand(sweeperCmd)
}
