package plugins

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/stateflow/api/schemas"
	"github.com/xkilldash9x/stateflow/internal/candidate"
	"github.com/xkilldash9x/stateflow/internal/crawler"
	"github.com/xkilldash9x/stateflow/internal/stateflow"
)

// Stats are the counters gathered by StatsLogger.
type Stats struct {
	NewStates    int64
	Revisits     int64
	Candidates   int64
	FailedEvents int64
}

// StatsLogger logs crawl progress and a summary once the crawl ends.
type StatsLogger struct {
	logger *zap.Logger
	now    func() time.Time

	newStates    atomic.Int64
	revisits     atomic.Int64
	candidates   atomic.Int64
	failedEvents atomic.Int64
}

var (
	_ crawler.OnNewStatePlugin        = (*StatsLogger)(nil)
	_ crawler.OnRevisitStatePlugin    = (*StatsLogger)(nil)
	_ crawler.PreStateCrawlingPlugin  = (*StatsLogger)(nil)
	_ crawler.OnFireEventFailedPlugin = (*StatsLogger)(nil)
	_ crawler.PostCrawlingPlugin      = (*StatsLogger)(nil)
)

// NewStatsLogger creates the plugin.
func NewStatsLogger(logger *zap.Logger) *StatsLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsLogger{logger: logger.Named("CrawlStats"), now: time.Now}
}

func (*StatsLogger) Name() string { return "crawl_stats" }

// Stats returns a copy of the counters.
func (s *StatsLogger) Stats() Stats {
	return Stats{
		NewStates:    s.newStates.Load(),
		Revisits:     s.revisits.Load(),
		Candidates:   s.candidates.Load(),
		FailedEvents: s.failedEvents.Load(),
	}
}

func (s *StatsLogger) OnNewState(_ context.Context, sess *crawler.Session, state *stateflow.StateVertex) error {
	n := s.newStates.Add(1)
	s.logger.Info("New state discovered",
		zap.String("session_id", sess.ID),
		zap.String("state", state.Name),
		zap.String("url", state.URL),
		zap.Int64("states", n),
	)
	return nil
}

func (s *StatsLogger) OnRevisitState(_ context.Context, _ *crawler.Session, state *stateflow.StateVertex) error {
	s.revisits.Add(1)
	s.logger.Debug("State revisited", zap.String("state", state.Name))
	return nil
}

func (s *StatsLogger) PreStateCrawling(_ context.Context, _ *crawler.Session, state *stateflow.StateVertex, candidates []candidate.Candidate) error {
	s.candidates.Add(int64(len(candidates)))
	s.logger.Debug("Exploring state", zap.String("state", state.Name), zap.Int("candidates", len(candidates)))
	return nil
}

func (s *StatsLogger) OnFireEventFailed(_ context.Context, _ *crawler.Session, event *stateflow.Eventable, path stateflow.CrawlPath) error {
	s.failedEvents.Add(1)
	s.logger.Warn("Event could not be fired",
		zap.String("event", string(event.Kind)),
		zap.String("element", event.Identification.String()),
		zap.Int("depth", path.Depth()),
	)
	return nil
}

func (s *StatsLogger) PostCrawling(_ context.Context, sess *crawler.Session, status schemas.ExitStatus) error {
	stats := s.Stats()
	s.logger.Info("Crawl statistics",
		zap.String("session_id", sess.ID),
		zap.String("status", string(status)),
		zap.Int("states", sess.Graph.StateCount()),
		zap.Int("edges", sess.Graph.EdgeCount()),
		zap.Int64("revisits", stats.Revisits),
		zap.Int64("candidates", stats.Candidates),
		zap.Int64("failed_events", stats.FailedEvents),
		zap.Int("mean_dom_size", sess.Graph.MeanStateStringSize()),
		zap.Duration("elapsed", s.now().Sub(sess.StartedAt)),
	)
	return nil
}
