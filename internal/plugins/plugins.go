// Package plugins holds the crawl plugins shipped with stateflow.
package plugins

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/stateflow/internal/config"
	"github.com/xkilldash9x/stateflow/internal/crawler"
)

// Defaults returns the plugins selected by the output configuration, in the
// order they must run: statistics first, then the file writer, then the
// database persister. sink may be nil when persistence is disabled.
func Defaults(out config.OutputConfig, sink SnapshotSink, logger *zap.Logger) []crawler.Plugin {
	list := []crawler.Plugin{NewStatsLogger(logger)}
	if out.Snapshot != "" || out.GraphML != "" {
		list = append(list, NewSnapshotWriter(out.Snapshot, out.GraphML, logger))
	}
	if out.Persist && sink != nil {
		list = append(list, NewPersister(sink, logger))
	}
	return list
}
