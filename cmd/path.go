package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/stateflow/internal/config"
	"github.com/xkilldash9x/stateflow/internal/observability"
	"github.com/xkilldash9x/stateflow/internal/stateflow"
)

// newPathCmd creates and configures the `path` command.
func newPathCmd(deps dependencies) *cobra.Command {
	var sessionID, from, to string

	pathCmd := &cobra.Command{
		Use:   "path [snapshot] --from <state> --to <state>",
		Short: "Prints the shortest event path between two states of a crawl",
		Long: `Restores the state-flow graph of a snapshot and prints the events that lead
from one state to another. States are given by name (index, state3) or by id.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			src, err := newSnapshotSource(args, sessionID)
			if err != nil {
				return err
			}
			return runPath(ctx, cmd.OutOrStdout(), cfg, src, from, to, deps.stores)
		},
	}

	pathCmd.Flags().StringVar(&sessionID, "session", "", "Load the snapshot of this session from the database instead of a file.")
	pathCmd.Flags().StringVar(&from, "from", stateflow.IndexName, "State the path starts in.")
	pathCmd.Flags().StringVar(&to, "to", "", "State the path ends in (required).")
	_ = pathCmd.MarkFlagRequired("to")

	return pathCmd
}

func runPath(ctx context.Context, out io.Writer, cfg config.Interface, src snapshotSource, from, to string, provider storeProvider) error {
	snap, err := src.load(ctx, cfg, provider)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	graph, _, err := snap.Restore(nil, observability.GetLogger())
	if err != nil {
		return err
	}

	start, err := lookupState(graph, from)
	if err != nil {
		return err
	}
	end, err := lookupState(graph, to)
	if err != nil {
		return err
	}
	path, err := graph.GetShortestPath(start, end)
	if err != nil {
		return err
	}

	if len(path) == 0 {
		fmt.Fprintf(out, "%s is the start state, no events needed\n", start)
		return nil
	}
	for i, e := range path {
		fmt.Fprintf(out, "%d. %s -[%s %s %s]-> %s\n", i+1, e.Source, e.Kind, e.Identification.How, e.Identification.Value, e.Target)
	}
	fmt.Fprintf(out, "%d events: %s\n", len(path), path)
	return nil
}

// lookupState resolves a state by name first and then by numeric id.
func lookupState(g *stateflow.Graph, ref string) (*stateflow.StateVertex, error) {
	if v, ok := g.GetStateByName(ref); ok {
		return v, nil
	}
	if id, err := strconv.Atoi(ref); err == nil {
		if v, ok := g.GetStateByID(id); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", stateflow.ErrStateNotFound, ref)
}
