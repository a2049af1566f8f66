package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/codex/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long: `Create or update the job, chapter, entity and call-log tables.

serve, worker and sweeper migrate on startup; this command is for
deployments that run schema changes as a separate step.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		_, mgr, logger, err := setup()
		if err != nil {
			return err
		}
		st, err := store.Open(ctx, mgr.Get().StoreConfig(), logger)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Printf("Schema up to date (%s)\n", st.Dialect())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
