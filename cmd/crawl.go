package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stateflow/api/schemas"
	"github.com/xkilldash9x/stateflow/internal/config"
	"github.com/xkilldash9x/stateflow/internal/crawler"
	"github.com/xkilldash9x/stateflow/internal/observability"
	"github.com/xkilldash9x/stateflow/internal/plugins"
)

// ErrAllWorkersLost is returned by the crawl command when no worker could
// keep a browser alive. The partial graph is still written to the outputs.
var ErrAllWorkersLost = errors.New("crawl ended because every worker lost its browser")

// newCrawlCmd creates and configures the `crawl` command.
func newCrawlCmd(deps dependencies) *cobra.Command {
	var snapshotPath string

	crawlCmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Crawls a web application from a seed URL and builds its state-flow graph",
		Long: `Loads the seed URL in a headless browser, fires events on the clickable
elements of every state it reaches and records the resulting states and
transitions. The crawl ends when no unexplored candidates remain or a
configured limit is reached.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			cfg.SetCrawlSeedURL(args[0])
			if cmd.Flags().Changed("output") {
				cfg.SetOutputSnapshot(snapshotPath)
			}
			crawlCfg := cfg.Crawl()
			if err := crawlCfg.ValidateSeed(); err != nil {
				return err
			}

			return runCrawl(ctx, cmd.OutOrStdout(), logger, cfg, deps)
		},
	}

	crawlCmd.Flags().IntP("workers", "j", 0, "Number of concurrent browser workers. (Overrides config/env)")
	crawlCmd.Flags().Int("max-states", 0, "Stop after this many states, 0 for no limit. (Overrides config/env)")
	crawlCmd.Flags().IntP("max-depth", "d", 0, "Maximum number of events in a crawl path, 0 for no limit. (Overrides config/env)")
	crawlCmd.Flags().Duration("max-runtime", 0, "Stop after this long, 0 for no limit. (Overrides config/env)")
	crawlCmd.Flags().String("strategy", "", "State equivalence strategy: exact, oracle, edit_distance, tree_distance or fingerprint.")
	crawlCmd.Flags().Float64("threshold", 0, "Similarity threshold for the edit_distance strategy.")
	crawlCmd.Flags().Bool("headless", true, "Run the browser without a window.")
	crawlCmd.Flags().StringVarP(&snapshotPath, "output", "o", "", "Write the snapshot to this file. A .br suffix compresses it.")
	crawlCmd.Flags().String("graphml", "", "Write the graph as GraphML to this file.")
	crawlCmd.Flags().Bool("persist", false, "Store the snapshot in the configured database.")

	return crawlCmd
}

// runCrawl opens the browser and, when persistence is enabled, the store,
// then runs one crawl and prints its outcome to out.
func runCrawl(ctx context.Context, out io.Writer, logger *zap.Logger, cfg config.Interface, deps dependencies) error {
	var sink plugins.SnapshotSink
	if cfg.Output().Persist {
		st, cleanup, err := deps.stores.Create(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize store: %w", err)
		}
		defer cleanup()
		sink = st
	}

	factory, shutdown, err := deps.browsers.Create(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdown()

	c, err := crawler.NewFromConfig(cfg, factory, logger, plugins.Defaults(cfg.Output(), sink, logger)...)
	if err != nil {
		return err
	}

	result, runErr := c.Run(ctx)
	if result != nil {
		printCrawlResult(out, result)
	}
	if runErr != nil {
		return runErr
	}
	if result.Status == schemas.ExitAllWorkersLost {
		return ErrAllWorkersLost
	}
	return nil
}

func printCrawlResult(out io.Writer, result *crawler.Result) {
	fmt.Fprintf(out, "Crawl finished: %s\n", result.Status)
	fmt.Fprintf(out, "Session:  %s\n", result.Session.ID)
	fmt.Fprintf(out, "States:   %d\n", result.Stats.States)
	fmt.Fprintf(out, "Edges:    %d\n", result.Stats.Edges)
	fmt.Fprintf(out, "Fired:    %d (%d failed)\n", result.Stats.Fired, result.Stats.Failed)
	fmt.Fprintf(out, "Duration: %s\n", result.Stats.Duration.Round(time.Millisecond))
}
