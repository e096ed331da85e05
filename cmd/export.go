package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stateflow/internal/config"
	"github.com/xkilldash9x/stateflow/internal/observability"
	"github.com/xkilldash9x/stateflow/internal/reporting"
	"github.com/xkilldash9x/stateflow/internal/snapshot"
)

// snapshotSource names where a command reads its snapshot from: a file
// given as the only argument, or a session stored in the database.
type snapshotSource struct {
	path      string
	sessionID string
}

func newSnapshotSource(args []string, sessionID string) (snapshotSource, error) {
	switch {
	case len(args) == 1 && sessionID != "":
		return snapshotSource{}, fmt.Errorf("give either a snapshot file or --session, not both")
	case len(args) == 1:
		return snapshotSource{path: args[0]}, nil
	case sessionID != "":
		return snapshotSource{sessionID: sessionID}, nil
	}
	return snapshotSource{}, fmt.Errorf("a snapshot file or --session is required")
}

// load reads the snapshot, opening the store only for a session source.
func (src snapshotSource) load(ctx context.Context, cfg config.Interface, provider storeProvider) (*snapshot.Snapshot, error) {
	if src.path != "" {
		return snapshot.ReadFile(src.path)
	}
	st, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	defer cleanup()
	return st.LoadSnapshot(ctx, src.sessionID)
}

// newExportCmd creates and configures the `export` command.
func newExportCmd(deps dependencies) *cobra.Command {
	var sessionID string
	var outputPath string
	var format string

	exportCmd := &cobra.Command{
		Use:   "export [snapshot]",
		Short: "Converts a crawl snapshot to JSON, GraphML or a text summary",
		Long: `Reads a snapshot written by 'stateflow crawl --output', or a session stored
with --persist, and writes it in the requested format.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			src, err := newSnapshotSource(args, sessionID)
			if err != nil {
				return err
			}
			return runExport(ctx, cmd.OutOrStdout(), logger, cfg, src, format, outputPath, deps.stores)
		},
	}

	exportCmd.Flags().StringVar(&sessionID, "session", "", "Load the snapshot of this session from the database instead of a file.")
	exportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path. If unset, the export is printed to stdout.")
	exportCmd.Flags().StringVarP(&format, "format", "f", "json", "Export format ("+strings.Join(reporting.Formats, ", ")+").")

	return exportCmd
}

// runExport contains the testable logic of the export command.
func runExport(
	ctx context.Context,
	stdout io.Writer,
	logger *zap.Logger,
	cfg config.Interface,
	src snapshotSource,
	format, outputPath string,
	provider storeProvider,
) error {
	snap, err := src.load(ctx, cfg, provider)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	reporter, err := reporting.NewWithStdout(format, outputPath, stdout)
	if err != nil {
		return fmt.Errorf("failed to initialize reporter: %w", err)
	}
	defer func() {
		if err := reporter.Close(); err != nil {
			logger.Warn("Failed to close reporter cleanly.", zap.Error(err))
		}
	}()

	if err := reporter.Write(snap); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	if outputPath != "" {
		logger.Info("Snapshot exported",
			zap.String("session_id", snap.SessionID),
			zap.String("format", format),
			zap.String("path", outputPath),
		)
	}
	return nil
}
