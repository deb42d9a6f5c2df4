package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/abdelmounim-dev/tasksync/config"
	"github.com/abdelmounim-dev/tasksync/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Get().Store.Path
			if err := store.Migrate(cmd.Context(), path); err != nil {
				return err
			}
			slog.Info("database migrated", "path", path)
			return nil
		},
	}
}
