package crawler

import (
	"sync"
	"time"

	"github.com/xkilldash9x/stateflow/internal/stateflow"
)

// Session is the read-mostly context shared with plugins during a crawl.
type Session struct {
	ID        string
	SeedURL   string
	StartedAt time.Time
	Graph     *stateflow.Graph

	mu    sync.Mutex
	paths []stateflow.CrawlPath
}

func newSession(id, seedURL string, graph *stateflow.Graph) *Session {
	return &Session{ID: id, SeedURL: seedURL, StartedAt: time.Now(), Graph: graph}
}

// NewSession rebuilds a session around a restored graph.
func NewSession(id, seedURL string, startedAt time.Time, graph *stateflow.Graph, paths []stateflow.CrawlPath) *Session {
	return &Session{ID: id, SeedURL: seedURL, StartedAt: startedAt, Graph: graph, paths: paths}
}

// Index returns the index state, or nil before the seed page has been loaded.
func (s *Session) Index() *stateflow.StateVertex {
	return s.Graph.Index()
}

// CrawlPaths returns the event sequences that discovered an edge, in the order
// they were recorded.
func (s *Session) CrawlPaths() []stateflow.CrawlPath {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stateflow.CrawlPath, len(s.paths))
	copy(out, s.paths)
	return out
}

func (s *Session) recordPath(p stateflow.CrawlPath) {
	s.mu.Lock()
	s.paths = append(s.paths, p)
	s.mu.Unlock()
}
