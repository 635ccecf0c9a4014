package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kallsyms/distscrape/internal/app"
	"github.com/kallsyms/distscrape/internal/track"
)

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var (
		seeds        []string
		seedFile     string
		doneFile     string
		exitWhenIdle bool
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs the crawl: manager, sweeper and HTTP API in one process",
		Long: `Processes tracked items until stopped: leases batches from the
tracker, scrapes and saves each item, and feeds discovered identities
back in. A sweeper reclaims leases lost to crashed workers and an
HTTP API accepts submissions and serves progress.

With --exit-when-idle the process exits once no pending or leased
work remains, which turns the long-running service into a batch
crawl.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if exitWhenIdle {
				cfg.Manager.ExitWhenIdle = true
			}

			pending, done, err := collectSeeds(seeds, seedFile, doneFile)
			if err != nil {
				return err
			}

			application, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			if len(pending) > 0 || len(done) > 0 {
				if err := application.Seed(cmd.Context(), pending, done); err != nil {
					closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if closeErr := application.Close(closeCtx); closeErr != nil {
						fmt.Fprintln(os.Stderr, closeErr)
					}
					return fmt.Errorf("seed tracker: %w", err)
				}
			}

			return application.Run(cmd.Context())
		},
	}

	cmd.Flags().StringArrayVar(&seeds, "seed", nil, "identity to seed, repeatable")
	cmd.Flags().StringVar(&seedFile, "seed-file", "", "file with one identity per line to seed")
	cmd.Flags().StringVar(&doneFile, "done-file", "", "file with one identity per line to import as already done")
	cmd.Flags().BoolVar(&exitWhenIdle, "exit-when-idle", false, "exit once no pending or leased work remains")

	return cmd
}

// collectSeeds merges repeated --seed flags with the seed file and
// reads the done file.
func collectSeeds(seeds []string, seedFile, doneFile string) ([]track.Candidate, []string, error) {
	fromFile, err := readIdentityFile(seedFile)
	if err != nil {
		return nil, nil, err
	}
	var pending []track.Candidate
	for _, identity := range append(seeds, fromFile...) {
		pending = append(pending, track.Candidate{Identity: identity})
	}
	done, err := readIdentityFile(doneFile)
	if err != nil {
		return nil, nil, err
	}
	return pending, done, nil
}

// readIdentityFile parses one identity per line, skipping blank lines
// and #-comments.
func readIdentityFile(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	var identities []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		identities = append(identities, line)
	}
	return identities, nil
}
