package plugins

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/stateflow/api/schemas"
	"github.com/xkilldash9x/stateflow/internal/crawler"
	"github.com/xkilldash9x/stateflow/internal/reporting"
	"github.com/xkilldash9x/stateflow/internal/snapshot"
)

// SnapshotWriter writes the finished crawl to disk as a snapshot file and,
// optionally, as GraphML.
type SnapshotWriter struct {
	path        string
	graphMLPath string
	logger      *zap.Logger
}

var _ crawler.PostCrawlingPlugin = (*SnapshotWriter)(nil)

// NewSnapshotWriter creates the plugin. Either path may be empty to skip that output.
func NewSnapshotWriter(path, graphMLPath string, logger *zap.Logger) *SnapshotWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotWriter{path: path, graphMLPath: graphMLPath, logger: logger.Named("SnapshotWriter")}
}

func (*SnapshotWriter) Name() string { return "snapshot_writer" }

func (w *SnapshotWriter) PostCrawling(_ context.Context, sess *crawler.Session, status schemas.ExitStatus) error {
	snap := snapshot.Build(sess, status)
	if w.path != "" {
		if err := snapshot.WriteFile(w.path, snap); err != nil {
			return err
		}
		w.logger.Info("Snapshot written", zap.String("path", w.path), zap.Int("states", snap.StateCount()))
	}
	if w.graphMLPath != "" {
		if err := writeGraphML(w.graphMLPath, snap); err != nil {
			return err
		}
		w.logger.Info("GraphML written", zap.String("path", w.graphMLPath))
	}
	return nil
}

func writeGraphML(path string, snap *snapshot.Snapshot) (err error) {
	r, err := reporting.New("graphml", path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := r.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close graphml file: %w", cerr)
		}
	}()
	return r.Write(snap)
}
