// Package cmd holds the tasksync command line.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/abdelmounim-dev/tasksync/config"
	"github.com/abdelmounim-dev/tasksync/logging"
	"github.com/abdelmounim-dev/tasksync/store"
)

var Version = "dev"

var (
	envName    string
	configFile string
)

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "tasksync",
		Short:         "Real-time task tracker sync server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Initialize(envName, configFile); err != nil {
				return fmt.Errorf("failed to initialize config: %w", err)
			}
			cfg := config.Get()
			logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			return nil
		},
	}

	defaultEnv := os.Getenv("ENVIRONMENT")
	if defaultEnv == "" {
		defaultEnv = "dev"
	}
	rootCmd.PersistentFlags().StringVar(&envName, "env", defaultEnv, "environment, selects config.<env>.yaml")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "explicit config file path")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(rolloverCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(presenceCmd())
	rootCmd.AddCommand(relayTailCmd())
	return rootCmd
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.AppConfig) (*store.SQLiteStore, error) {
	return store.OpenSQLite(ctx, store.Options{
		Path:           cfg.Store.Path,
		PoolSize:       cfg.Store.PoolSize,
		AcquireTimeout: time.Duration(cfg.Store.AcquireTimeout) * time.Millisecond,
		BusyTimeout:    time.Duration(cfg.Store.BusyTimeout) * time.Millisecond,
		Logger:         slog.Default(),
	})
}
