package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/codex/internal/config"
	"github.com/jackzampolin/codex/internal/svcctx"
	"github.com/jackzampolin/codex/internal/worker"
)

var (
	workerQueue string
	workerCount int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process batches from the work queues",
	Long: `Run batch workers against the configured Redis queues.

Each worker receives messages, runs the analysis or translation call and
merges the result into the database. In-flight batches are finished before
the process exits on Ctrl+C or SIGTERM.

Examples:
  codex worker                       # Both queues, workers from config
  codex worker --queue analysis      # Analysis batches only
  codex worker --workers 8           # 8 concurrent receivers per queue`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		_, mgr, logger, err := setup()
		if err != nil {
			return err
		}
		cfg := mgr.Get()
		if workerCount > 0 {
			cfg.Worker.Workers = workerCount
		}

		services, err := svcctx.Open(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer services.Close()

		mgr.OnChange(func(c *config.Config) {
			if err := services.Reload(context.Background(), c); err != nil {
				logger.Error("failed to reload tiers", "error", err)
			}
		})
		mgr.WatchConfig()

		runners := services.Runners(cfg)
		switch workerQueue {
		case "all", "":
		case "analysis":
			runners = runners[:1]
		case "translation":
			runners = runners[1:]
		default:
			return fmt.Errorf("unknown queue %q (want analysis, translation or all)", workerQueue)
		}

		var wg sync.WaitGroup
		for _, r := range runners {
			wg.Add(1)
			go func(r *worker.Runner) {
				defer wg.Done()
				r.Run(ctx)
			}(r)
		}
		wg.Wait()

		for _, r := range runners {
			st := r.Status()
			logger.Info("worker totals", "queue", st.Queue, "processed", st.Processed,
				"retried", st.Retried, "dead", st.Dead, "dropped", st.Dropped)
		}
		return nil
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerQueue, "queue", "all", "Queue to consume: analysis, translation or all")
	workerCmd.Flags().IntVar(&workerCount, "workers", 0, "Concurrent receivers per queue (default from config)")

	rootCmd.AddCommand(workerCmd)
}
