package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/codex/internal/devenv"
	"github.com/jackzampolin/codex/internal/home"
)

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Manage local Postgres and Redis containers",
	Long: `Manage the Docker containers backing a local codex install.

Postgres data is persisted to ~/.codex/data/postgres/. Container names are
derived from the home directory, so separate homes get separate databases.

Examples:
  codex dev up       # Start Postgres and Redis
  codex dev status   # Show container status
  codex dev logs redis
  codex dev down     # Stop the containers (data preserved)`,
}

// devServices returns the managers for the local containers.
func devServices(h *home.Dir) (map[string]*devenv.Manager, []string, error) {
	pgData := h.ServiceDataPath("postgres")
	if err := os.MkdirAll(pgData, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	pg, err := devenv.NewManager(devenv.Postgres(devenv.PostgresConfig{
		ContainerName: devenv.ContainerName("codex-postgres", h.Path()),
		DataPath:      pgData,
	}))
	if err != nil {
		return nil, nil, err
	}
	rd, err := devenv.NewManager(devenv.Redis(devenv.RedisConfig{
		ContainerName: devenv.ContainerName("codex-redis", h.Path()),
	}))
	if err != nil {
		pg.Close()
		return nil, nil, err
	}
	return map[string]*devenv.Manager{"postgres": pg, "redis": rd}, []string{"postgres", "redis"}, nil
}

func closeAll(mgrs map[string]*devenv.Manager) {
	for _, m := range mgrs {
		m.Close()
	}
}

var devUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Start Postgres and Redis",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		h, err := getHome()
		if err != nil {
			return err
		}
		mgrs, order, err := devServices(h)
		if err != nil {
			return err
		}
		defer closeAll(mgrs)

		for _, name := range order {
			m := mgrs[name]
			if err := m.ValidateExisting(ctx); err != nil {
				return fmt.Errorf("existing %s container incompatible: %w", name, err)
			}
			fmt.Printf("Starting %s (%s)...\n", name, m.Name())
			if err := m.Start(ctx); err != nil {
				return fmt.Errorf("failed to start %s: %w", name, err)
			}
		}

		fmt.Println()
		fmt.Println("Services are ready. Point codex at them with:")
		fmt.Printf("  export CODEX_DATABASE_DRIVER=postgres\n")
		fmt.Printf("  export CODEX_DATABASE_DSN=%s\n", devenv.PostgresConfig{}.DSN())
		fmt.Printf("  export CODEX_REDIS_ADDR=%s\n", devenv.RedisConfig{}.Addr())
		return nil
	},
}

var devDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop the containers (data preserved)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		h, err := getHome()
		if err != nil {
			return err
		}
		mgrs, order, err := devServices(h)
		if err != nil {
			return err
		}
		defer closeAll(mgrs)

		for _, name := range order {
			fmt.Printf("Stopping %s...\n", name)
			if err := mgrs[name].Stop(ctx); err != nil {
				return fmt.Errorf("failed to stop %s: %w", name, err)
			}
		}
		return nil
	},
}

var devStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show container status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		h, err := getHome()
		if err != nil {
			return err
		}
		mgrs, order, err := devServices(h)
		if err != nil {
			return err
		}
		defer closeAll(mgrs)

		for _, name := range order {
			m := mgrs[name]
			status, err := m.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get %s status: %w", name, err)
			}
			switch status {
			case devenv.StatusStopped:
				fmt.Printf("%-9s %s (use 'codex dev up' to start)\n", name+":", status)
			case devenv.StatusNotFound:
				fmt.Printf("%-9s %s (use 'codex dev up' to create)\n", name+":", status)
			default:
				fmt.Printf("%-9s %s (%s)\n", name+":", status, m.Name())
			}
		}
		return nil
	},
}

var (
	devLogsTail    string
	devRemoveTests bool
)

var devLogsCmd = &cobra.Command{
	Use:       "logs <postgres|redis>",
	Short:     "Show container logs",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"postgres", "redis"},
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := getHome()
		if err != nil {
			return err
		}
		mgrs, _, err := devServices(h)
		if err != nil {
			return err
		}
		defer closeAll(mgrs)

		m, ok := mgrs[args[0]]
		if !ok {
			return fmt.Errorf("unknown service %q", args[0])
		}
		logs, err := m.Logs(cmd.Context(), devLogsTail)
		if err != nil {
			return err
		}
		fmt.Print(logs)
		return nil
	},
}

var devRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove the containers",
	Long: `Stop and remove the containers. Data in ~/.codex/data/ is NOT deleted.

With --tests, containers left behind by interrupted test runs are removed too.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if devRemoveTests {
			removed, err := devenv.RemoveLabeled(ctx, devenv.TestLabel, "")
			if err != nil {
				return fmt.Errorf("failed to remove test containers: %w", err)
			}
			for _, name := range removed {
				fmt.Printf("Removed test container %s\n", name)
			}
		}
		h, err := getHome()
		if err != nil {
			return err
		}
		mgrs, order, err := devServices(h)
		if err != nil {
			return err
		}
		defer closeAll(mgrs)

		for _, name := range order {
			fmt.Printf("Removing %s...\n", name)
			if err := mgrs[name].Remove(ctx); err != nil {
				return fmt.Errorf("failed to remove %s: %w", name, err)
			}
		}
		fmt.Println("Containers removed (data preserved)")
		return nil
	},
}

func init() {
	devLogsCmd.Flags().StringVar(&devLogsTail, "tail", "100", "Number of lines to show from the end")
	devRemoveCmd.Flags().BoolVar(&devRemoveTests, "tests", false, "Also remove containers left by test runs")

	devCmd.AddCommand(devUpCmd)
	devCmd.AddCommand(devDownCmd)
	devCmd.AddCommand(devStatusCmd)
	devCmd.AddCommand(devLogsCmd)
	devCmd.AddCommand(devRemoveCmd)
	rootCmd.AddCommand(devCmd)
}
