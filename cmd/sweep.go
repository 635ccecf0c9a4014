package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kallsyms/distscrape/internal/app"
	"github.com/kallsyms/distscrape/internal/logging"
	"github.com/kallsyms/distscrape/internal/metrics"
	"github.com/kallsyms/distscrape/internal/sweeper"
)

// newSweepCmd creates and configures the 'sweep' subcommand.
func newSweepCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reclaims expired leases in a shared tracker backend",
		Long: `Runs the lease sweeper on its own, for deployments where crawl
processes share a postgres tracker and reclamation should keep going
even when no crawler is up. The in-memory backend is refused: no
other process can share it, so there is nothing to reclaim.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Tracker.Backend != "postgres" {
				return fmt.Errorf("sweep needs a shared tracker backend, not %q", cfg.Tracker.Backend)
			}

			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush
			zap.ReplaceGlobals(logger)
			metrics.Init()

			tracker, err := app.NewTracker(cmd.Context(), cfg.Tracker, logger)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := tracker.Close(cmd.Context()); closeErr != nil {
					logger.Warn("tracker close failed", zap.Error(closeErr))
				}
			}()

			sweep := sweeper.New(tracker, cfg.Sweep.Interval(), logger.Named("sweeper"))
			if once {
				reclaimed, err := sweep.RunOnce(cmd.Context())
				if err != nil {
					return fmt.Errorf("sweep: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d expired leases\n", reclaimed)
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger.Info("sweeper started", zap.Duration("interval", cfg.Sweep.Interval()))
			sweep.Run(ctx)
			logger.Info("sweeper stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep pass and exit")

	return cmd
}
