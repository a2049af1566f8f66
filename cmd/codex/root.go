package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/codex/internal/api"
	"github.com/jackzampolin/codex/internal/config"
	"github.com/jackzampolin/codex/internal/home"
	"github.com/jackzampolin/codex/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
	logFormat    string
)

var rootCmd = &cobra.Command{
	Use:   "codex",
	Short: "Distributed coordinator for AI document analysis",
	Long: `Codex splits long documents into token-budgeted batches, fans them out
to workers over Redis queues and merges the extracted characters, terms and
events into a shared store.

The pipeline includes:
  - Token-budgeted batch planning
  - Model calls with tier fallback, retry and JSON repair
  - Idempotent result merging into Postgres or SQLite
  - Live progress over SSE and WebSocket
  - Glossary-aware chapter translation`,
	Version:       version.GitRelease,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.codex/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "codex home directory (default: ~/.codex)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)
	rootCmd.PersistentFlags().StringVar(
		&logFormat, "log-format", "", "log format: text or json (overrides config)",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}

// getHome returns the home directory, creating it if needed.
func getHome() (*home.Dir, error) {
	h, err := home.New(homeDir)
	if err != nil {
		return nil, err
	}
	if err := h.EnsureExists(); err != nil {
		return nil, fmt.Errorf("failed to create home directory: %w", err)
	}
	return h, nil
}

// loadConfig reads configuration from --config, the home directory or the
// default search path. A SQLite database left at its default location is
// moved into the home data directory.
func loadConfig(h *home.Dir) (*config.Manager, error) {
	path := cfgFile
	if path == "" && h.ConfigExists() {
		path = h.ConfigPath()
	}
	mgr, err := config.NewManager(path)
	if err != nil {
		return nil, err
	}

	cfg := mgr.Get()
	if cfg.Database.Driver == "sqlite" && cfg.Database.DSN == config.DefaultConfig().Database.DSN {
		cfg.Database.DSN = h.DatabaseDSN()
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return mgr, nil
}

// newLogger builds the process logger from the log section.
func newLogger(cfg *config.Config) *slog.Logger {
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return logger
}

// setup resolves home, config and logger for commands that run services.
func setup() (*home.Dir, *config.Manager, *slog.Logger, error) {
	h, err := getHome()
	if err != nil {
		return nil, nil, nil, err
	}
	mgr, err := loadConfig(h)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := newLogger(mgr.Get())
	mgr.SetLogger(logger)
	if f := mgr.ConfigFile(); f != "" {
		logger.Info("loaded config", "file", f)
	}
	return h, mgr, logger, nil
}
