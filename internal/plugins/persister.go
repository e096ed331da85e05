package plugins

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/stateflow/api/schemas"
	"github.com/xkilldash9x/stateflow/internal/crawler"
	"github.com/xkilldash9x/stateflow/internal/snapshot"
)

// SnapshotSink stores finished snapshots. *store.Store implements it.
type SnapshotSink interface {
	PersistSnapshot(ctx context.Context, snap *snapshot.Snapshot) error
}

// Persister saves the finished crawl through a SnapshotSink.
type Persister struct {
	sink   SnapshotSink
	logger *zap.Logger
}

var _ crawler.PostCrawlingPlugin = (*Persister)(nil)

// NewPersister creates the plugin.
func NewPersister(sink SnapshotSink, logger *zap.Logger) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{sink: sink, logger: logger.Named("Persister")}
}

func (*Persister) Name() string { return "persister" }

func (p *Persister) PostCrawling(ctx context.Context, sess *crawler.Session, status schemas.ExitStatus) error {
	p.logger.Debug("Persisting crawl session", zap.String("session_id", sess.ID))
	return p.sink.PersistSnapshot(ctx, snapshot.Build(sess, status))
}
