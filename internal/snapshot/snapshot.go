// Package snapshot captures a finished crawl as plain data: the states, the
// eventables, the transitions between them and the recorded crawl paths.
// A snapshot can be written to disk, stored in the database, exported as
// GraphML and restored into a live graph for path queries.
package snapshot

import (
	"errors"
	"fmt"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stateflow/api/schemas"
	"github.com/xkilldash9x/stateflow/internal/crawler"
	"github.com/xkilldash9x/stateflow/internal/equivalence"
	"github.com/xkilldash9x/stateflow/internal/stateflow"
)

// Version is the snapshot format version written by Build.
const Version = 1

// ErrInvalidSnapshot is returned when a snapshot does not describe a consistent graph.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// State is a persisted vertex.
type State struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	DOM         string `json:"dom"`
	StrippedDOM string `json:"stripped_dom"`
}

// Eventable is a persisted edge action. Endpoints live in the transitions.
type Eventable struct {
	ID             int                    `json:"id"`
	Identification schemas.Identification `json:"identification"`
	Kind           schemas.EventKind      `json:"event_type"`
	Element        schemas.Element        `json:"element"`
}

// Transition references one edge by ids.
type Transition struct {
	From      int `json:"from"`
	To        int `json:"to"`
	Eventable int `json:"eventable"`
}

// Snapshot is the serialized form of a crawl session. States and Eventables
// keep id order so encoded files diff cleanly between runs.
type Snapshot struct {
	Version    int                `json:"version"`
	SessionID  string             `json:"session_id"`
	SeedURL    string             `json:"seed_url"`
	StartedAt  time.Time          `json:"started_at"`
	ExitStatus schemas.ExitStatus `json:"exit_status"`
	Strategy   equivalence.Kind   `json:"strategy"`

	States      *orderedmap.OrderedMap[int, State]     `json:"states"`
	Eventables  *orderedmap.OrderedMap[int, Eventable] `json:"eventables"`
	Transitions []Transition                           `json:"transitions"`
	CrawlPaths  [][]Transition                         `json:"crawl_paths"`
}

// Build captures the session graph. The graph is read through its copying
// accessors, so Build may run while other goroutines still query it.
func Build(sess *crawler.Session, status schemas.ExitStatus) *Snapshot {
	s := &Snapshot{
		Version:     Version,
		SessionID:   sess.ID,
		SeedURL:     sess.SeedURL,
		StartedAt:   sess.StartedAt,
		ExitStatus:  status,
		States:      orderedmap.New[int, State](),
		Eventables:  orderedmap.New[int, Eventable](),
		Transitions: []Transition{},
		CrawlPaths:  [][]Transition{},
	}
	if cmp := sess.Graph.Comparator(); cmp != nil && cmp.Strategy() != nil {
		s.Strategy = cmp.Strategy().Kind()
	}

	for _, v := range sess.Graph.GetAllStates() {
		s.States.Set(v.ID, State{ID: v.ID, Name: v.Name, URL: v.URL, DOM: v.DOM, StrippedDOM: v.StrippedDOM})
	}
	for _, e := range sess.Graph.GetAllEdges() {
		s.Eventables.Set(e.ID, Eventable{ID: e.ID, Identification: e.Identification, Kind: e.Kind, Element: e.Element})
		s.Transitions = append(s.Transitions, transitionOf(e))
	}
	for _, p := range sess.CrawlPaths() {
		path := make([]Transition, len(p))
		for i, e := range p {
			path[i] = transitionOf(e)
		}
		s.CrawlPaths = append(s.CrawlPaths, path)
	}
	return s
}

func transitionOf(e *stateflow.Eventable) Transition {
	return Transition{From: e.Source.ID, To: e.Target.ID, Eventable: e.ID}
}

// StateCount returns the number of states in the snapshot.
func (s *Snapshot) StateCount() int {
	if s.States == nil {
		return 0
	}
	return s.States.Len()
}

// EdgeCount returns the number of transitions in the snapshot.
func (s *Snapshot) EdgeCount() int { return len(s.Transitions) }

// Restore rebuilds the graph and the recorded crawl paths. Vertices keep
// their ids and names; the comparator decides equivalence for any state
// added to the graph afterwards. A nil comparator compares exactly.
func (s *Snapshot) Restore(comparator *equivalence.Comparator, logger *zap.Logger) (*stateflow.Graph, []stateflow.CrawlPath, error) {
	if comparator == nil {
		comparator = equivalence.NewComparator(equivalence.NewExact(nil), logger)
	}
	if s.States == nil || s.States.Len() == 0 {
		return nil, nil, fmt.Errorf("%w: no states", ErrInvalidSnapshot)
	}
	if _, ok := s.States.Get(0); !ok {
		return nil, nil, fmt.Errorf("%w: missing index state", ErrInvalidSnapshot)
	}

	g := stateflow.NewGraph(comparator, logger)
	for pair := s.States.Oldest(); pair != nil; pair = pair.Next() {
		st := pair.Value
		if st.ID != pair.Key {
			return nil, nil, fmt.Errorf("%w: state keyed %d carries id %d", ErrInvalidSnapshot, pair.Key, st.ID)
		}
		v := stateflow.NewStateVertex(st.URL, equivalence.NewObservation(st.Name, st.DOM, st.StrippedDOM))
		v.ID = st.ID
		if err := g.PutVertex(v); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
		}
	}

	edges := make(map[int]*stateflow.Eventable, len(s.Transitions))
	for _, t := range s.Transitions {
		e, err := s.edge(g, t)
		if err != nil {
			return nil, nil, err
		}
		added, err := g.PutEdge(e.Source, e.Target, e)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
		}
		if !added {
			return nil, nil, fmt.Errorf("%w: duplicate transition %d -> %d via eventable %d", ErrInvalidSnapshot, t.From, t.To, t.Eventable)
		}
		edges[t.Eventable] = e
	}

	paths := make([]stateflow.CrawlPath, 0, len(s.CrawlPaths))
	for i, recorded := range s.CrawlPaths {
		path := make(stateflow.CrawlPath, 0, len(recorded))
		for _, t := range recorded {
			e, ok := edges[t.Eventable]
			if !ok || e.Source.ID != t.From || e.Target.ID != t.To {
				return nil, nil, fmt.Errorf("%w: crawl path %d references unknown transition %d -> %d via %d", ErrInvalidSnapshot, i, t.From, t.To, t.Eventable)
			}
			path = append(path, e)
		}
		paths = append(paths, path)
	}
	return g, paths, nil
}

// edge resolves a transition to a detached eventable carrying its endpoints.
func (s *Snapshot) edge(g *stateflow.Graph, t Transition) (*stateflow.Eventable, error) {
	if s.Eventables == nil {
		return nil, fmt.Errorf("%w: transitions without eventables", ErrInvalidSnapshot)
	}
	ev, ok := s.Eventables.Get(t.Eventable)
	if !ok {
		return nil, fmt.Errorf("%w: unknown eventable %d", ErrInvalidSnapshot, t.Eventable)
	}
	from, ok := g.GetStateByID(t.From)
	if !ok {
		return nil, fmt.Errorf("%w: unknown source state %d", ErrInvalidSnapshot, t.From)
	}
	to, ok := g.GetStateByID(t.To)
	if !ok {
		return nil, fmt.Errorf("%w: unknown target state %d", ErrInvalidSnapshot, t.To)
	}
	return &stateflow.Eventable{
		ID:             ev.ID,
		Identification: ev.Identification,
		Kind:           ev.Kind,
		Element:        ev.Element,
		Source:         from,
		Target:         to,
	}, nil
}

// RestoreSession restores the graph and wraps it in a crawl session.
func (s *Snapshot) RestoreSession(comparator *equivalence.Comparator, logger *zap.Logger) (*crawler.Session, error) {
	g, paths, err := s.Restore(comparator, logger)
	if err != nil {
		return nil, err
	}
	return crawler.NewSession(s.SessionID, s.SeedURL, s.StartedAt, g, paths), nil
}
