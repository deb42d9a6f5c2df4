package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/abdelmounim-dev/tasksync/config"
	"github.com/abdelmounim-dev/tasksync/rollover"
)

func rolloverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollover",
		Short: "Run one rollover pass against the database now",
		Long: `Close every open task and create its successor, as the nightly
schedule does. Connected clients are not notified; they pick up the new
tasks on their next refresh.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Get()
			loc, err := time.LoadLocation(cfg.Rollover.Timezone)
			if err != nil {
				return fmt.Errorf("load timezone: %w", err)
			}

			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			engine := rollover.NewEngine(st, nil, rollover.WithLocation(loc), rollover.WithLogger(slog.Default()))
			res, err := engine.RunNow(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, rolled %d, skipped %d, failed %d\n",
				res.Scanned, res.Rolled, res.Skipped, res.Failed)
			return nil
		},
	}
}
