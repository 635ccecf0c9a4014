// Package cmd defines and implements the CLI commands for the
// distscrape executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kallsyms/distscrape/internal/config"
)

var (
	cfgFile string
	devMode bool
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "distscrape",
		Short: "A lease-based tracker for distributed crawl work",
		Long: `distscrape coordinates crawl work across cooperating processes.
A tracker holds every known item exactly once and hands items out
under time-bounded leases, so each item is processed by one worker
at a time and work lost to crashes comes back on its own.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (searches for distscrape.yaml when empty)")
	cmd.PersistentFlags().BoolVar(&devMode, "dev", false, "force development logging")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newSweepCmd())
	cmd.AddCommand(newStatsCmd())

	return cmd
}

// loadConfig builds the configuration shared by all subcommands.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if devMode {
		cfg.Logging.Development = true
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
