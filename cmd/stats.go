package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kallsyms/distscrape/internal/app"
	"github.com/kallsyms/distscrape/internal/logging"
)

// newStatsCmd creates and configures the 'stats' subcommand.
func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Prints per-state item counts and exits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush

			tracker, err := app.NewTracker(cmd.Context(), cfg.Tracker, logger)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := tracker.Close(cmd.Context()); closeErr != nil {
					logger.Warn("tracker close failed", zap.Error(closeErr))
				}
			}()

			stats, err := tracker.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("read stats: %w", err)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "pending    %d\n", stats.Pending)
			fmt.Fprintf(w, "leased     %d\n", stats.Leased)
			fmt.Fprintf(w, "done       %d\n", stats.Done)
			fmt.Fprintf(w, "discarded  %d\n", stats.Discarded)
			fmt.Fprintf(w, "total      %d\n", stats.Total())
			return nil
		},
	}

	return cmd
}
