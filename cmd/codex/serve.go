package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/codex/internal/server"
)

var (
	serveHost    string
	servePort    string
	serveWorkers int
	serveSweeper bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the codex server",
	Long: `Start the codex HTTP server.

The server connects to the configured database and Redis, applies the
schema, and serves the job API. Config file changes to the tier table are
applied without a restart.

Workers and the sweeper normally run as separate processes (codex worker,
codex sweeper). For a single-process setup use --workers and --sweeper.

The server provides:
  - /health  - Basic server health check
  - /ready   - Readiness check (database and Redis)
  - /swagger - API documentation

Examples:
  codex serve                        # Start on the configured port
  codex serve --port 3000            # Start on custom port
  codex serve --workers 4 --sweeper  # Run everything in one process`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, mgr, logger, err := setup()
		if err != nil {
			return err
		}
		cfg := mgr.Get()
		if cmd.Flags().Changed("workers") {
			cfg.Server.EmbeddedWorkers = serveWorkers
		}
		if cmd.Flags().Changed("sweeper") {
			cfg.Server.EmbeddedSweeper = serveSweeper
		}

		srv, err := server.New(server.Config{
			Host:          serveHost,
			Port:          servePort,
			Config:        cfg,
			ConfigManager: mgr,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		mgr.WatchConfig()

		// Start server (blocks until shutdown)
		return srv.Start(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (default from config)")
	serveCmd.Flags().StringVar(&servePort, "port", "", "Port to listen on (default from config)")
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 0, "Run this many batch workers per queue in-process")
	serveCmd.Flags().BoolVar(&serveSweeper, "sweeper", false, "Run the sweeper in-process")

	rootCmd.AddCommand(serveCmd)
}
