// Package stateflow holds the state-flow graph: the states a crawl has
// discovered and the transitions between them.
//
// The graph is shared by every crawl worker. Finding an equivalent state and
// inserting a new one happen in one critical section guarded by a single
// mutex, and the search compares the candidate against every existing vertex
// with the configured equivalence strategy. Insertion therefore costs
// O(vertices) strategy evaluations and is the serialization point of a crawl.
// Vertices are never bucketed by hash because similarity based equivalence
// has no hash consistent with it.
package stateflow

import (
	"errors"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stateflow/internal/equivalence"
)

var (
	// ErrAlreadyInitialized is returned when a second index state is inserted.
	ErrAlreadyInitialized = errors.New("index state already set")
	// ErrUnreachable is returned when no path connects two states.
	ErrUnreachable = errors.New("state unreachable")
	// ErrStateNotFound is returned for a vertex that is not part of the graph.
	ErrStateNotFound = errors.New("state not found in graph")
	// ErrDuplicateState is returned when restoring a vertex whose id is taken.
	ErrDuplicateState = errors.New("state id already present")
)

// Option configures a Graph.
type Option func(*Graph)

// WithInsertHook registers fn to run inside the insertion critical section
// each time a new vertex is added, the index included. fn must not call
// back into the graph.
func WithInsertHook(fn func(*StateVertex)) Option {
	return func(g *Graph) { g.onInsert = fn }
}

// Graph is a concurrent directed multigraph of states.
type Graph struct {
	mu         sync.RWMutex
	comparator *equivalence.Comparator
	logger     *zap.Logger
	onInsert   func(*StateVertex)

	index    *StateVertex
	vertices []*StateVertex
	byID     map[int]*StateVertex
	byName   map[string]*StateVertex

	edges    []*Eventable
	edgeKeys map[edgeKey]*Eventable
	outgoing map[int][]*Eventable
	incoming map[int][]*Eventable

	nextVertexID int
	nextEdgeID   int
}

// NewGraph creates an empty graph deciding state identity with comparator.
func NewGraph(comparator *equivalence.Comparator, logger *zap.Logger, opts ...Option) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Graph{
		comparator:   comparator,
		logger:       logger.Named("StateFlowGraph"),
		byID:         make(map[int]*StateVertex),
		byName:       make(map[string]*StateVertex),
		edgeKeys:     make(map[edgeKey]*Eventable),
		outgoing:     make(map[int][]*Eventable),
		incoming:     make(map[int][]*Eventable),
		nextVertexID: 1,
		nextEdgeID:   1,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Comparator returns the equivalence comparator of the graph.
func (g *Graph) Comparator() *equivalence.Comparator { return g.comparator }

// PutIndex inserts the initial state with id 0.
func (g *Graph) PutIndex(v *StateVertex) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.index != nil {
		return ErrAlreadyInitialized
	}
	v.ID = 0
	v.Name = IndexName
	g.insertLocked(v)
	g.index = v
	return nil
}

// PutIfAbsent returns the existing vertex equivalent to v, or inserts v and
// returns nil. The search and the insertion are one atomic step.
func (g *Graph) PutIfAbsent(v *StateVertex) *StateVertex {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, existing := range g.vertices {
		if g.comparator.Same(existing.Observation, v.Observation) {
			return existing
		}
	}
	v.ID = g.nextVertexID
	v.Name = fmt.Sprintf("state%d", v.ID)
	g.insertLocked(v)
	g.logger.Debug("New state", zap.Int("state_id", v.ID), zap.String("url", v.URL), zap.Int("states", len(g.vertices)))
	return nil
}

// PutVertex inserts v with the ID and Name it already carries, without an
// equivalence check. It rebuilds graphs from snapshots; id 0 becomes the index.
func (g *Graph) PutVertex(v *StateVertex) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, taken := g.byID[v.ID]; taken {
		return fmt.Errorf("%w: %d", ErrDuplicateState, v.ID)
	}
	if v.ID == 0 {
		if g.index != nil {
			return ErrAlreadyInitialized
		}
		g.index = v
	}
	if v.Name == "" {
		if v.ID == 0 {
			v.Name = IndexName
		} else {
			v.Name = fmt.Sprintf("state%d", v.ID)
		}
	}
	g.insertLocked(v)
	return nil
}

func (g *Graph) insertLocked(v *StateVertex) {
	g.vertices = append(g.vertices, v)
	g.byID[v.ID] = v
	g.byName[v.Name] = v
	if v.ID >= g.nextVertexID {
		g.nextVertexID = v.ID + 1
	}
	if g.onInsert != nil {
		g.onInsert(v)
	}
}

// AddEdge records e as a transition from -> to. It returns false without
// changing anything when an edge with the same endpoints, identification
// and event kind exists. Both vertices must already be in the graph.
func (g *Graph) AddEdge(from, to *StateVertex, e *Eventable) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addEdgeLocked(from, to, e, true)
}

// PutEdge adds an edge keeping the ID it carries. It rebuilds graphs from snapshots.
func (g *Graph) PutEdge(from, to *StateVertex, e *Eventable) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addEdgeLocked(from, to, e, false)
}

func (g *Graph) addEdgeLocked(from, to *StateVertex, e *Eventable, assignID bool) (bool, error) {
	if !g.containsLocked(from) {
		return false, fmt.Errorf("%w: source %s", ErrStateNotFound, from)
	}
	if !g.containsLocked(to) {
		return false, fmt.Errorf("%w: target %s", ErrStateNotFound, to)
	}
	key := edgeKey{from: from.ID, to: to.ID, id: e.Identification, kind: e.Kind}
	if _, dup := g.edgeKeys[key]; dup {
		return false, nil
	}

	if assignID {
		e.ID = g.nextEdgeID
	}
	if e.ID >= g.nextEdgeID {
		g.nextEdgeID = e.ID + 1
	}
	e.Source, e.Target = from, to
	g.edges = append(g.edges, e)
	g.edgeKeys[key] = e
	g.outgoing[from.ID] = append(g.outgoing[from.ID], e)
	g.incoming[to.ID] = append(g.incoming[to.ID], e)
	return true, nil
}

func (g *Graph) containsLocked(v *StateVertex) bool {
	return v != nil && g.byID[v.ID] == v
}

// Index returns the initial state, or nil before PutIndex.
func (g *Graph) Index() *StateVertex {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.index
}

// GetStateByID looks a vertex up by id.
func (g *Graph) GetStateByID(id int) (*StateVertex, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.byID[id]
	return v, ok
}

// GetStateByName looks a vertex up by name.
func (g *Graph) GetStateByName(name string) (*StateVertex, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.byName[name]
	return v, ok
}

// GetOutgoingClickables returns the edges leaving v in insertion order.
func (g *Graph) GetOutgoingClickables(v *StateVertex) []*Eventable {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if v == nil {
		return nil
	}
	return append([]*Eventable(nil), g.outgoing[v.ID]...)
}

// GetIncomingClickables returns the edges entering v in insertion order.
func (g *Graph) GetIncomingClickables(v *StateVertex) []*Eventable {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if v == nil {
		return nil
	}
	return append([]*Eventable(nil), g.incoming[v.ID]...)
}

// GetOutgoingStates returns the distinct targets of v's edges.
func (g *Graph) GetOutgoingStates(v *StateVertex) []*StateVertex {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if v == nil {
		return nil
	}
	seen := make(map[int]struct{})
	var out []*StateVertex
	for _, e := range g.outgoing[v.ID] {
		if _, ok := seen[e.Target.ID]; ok {
			continue
		}
		seen[e.Target.ID] = struct{}{}
		out = append(out, e.Target)
	}
	return out
}

// CanGoTo reports whether a direct edge leads from one state to the other.
func (g *Graph) CanGoTo(from, to *StateVertex) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if from == nil || to == nil {
		return false
	}
	for _, e := range g.outgoing[from.ID] {
		if e.Target.ID == to.ID {
			return true
		}
	}
	return false
}

// GetShortestPath returns a path with the fewest transitions from one state
// to another. Edges are explored in insertion order, so the result is
// deterministic for a given graph. The path from a state to itself is empty.
func (g *Graph) GetShortestPath(from, to *StateVertex) (CrawlPath, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.containsLocked(from) {
		return nil, fmt.Errorf("%w: %s", ErrStateNotFound, from)
	}
	if !g.containsLocked(to) {
		return nil, fmt.Errorf("%w: %s", ErrStateNotFound, to)
	}
	if from.ID == to.ID {
		return CrawlPath{}, nil
	}

	via := map[int]*Eventable{from.ID: nil}
	queue := linkedlistqueue.New()
	queue.Enqueue(from.ID)
	for !queue.Empty() {
		value, _ := queue.Dequeue()
		current := value.(int)
		for _, e := range g.outgoing[current] {
			if _, seen := via[e.Target.ID]; seen {
				continue
			}
			via[e.Target.ID] = e
			if e.Target.ID == to.ID {
				return pathTo(via, to.ID), nil
			}
			queue.Enqueue(e.Target.ID)
		}
	}
	return nil, fmt.Errorf("%w: no path from %s to %s", ErrUnreachable, from, to)
}

func pathTo(via map[int]*Eventable, target int) CrawlPath {
	var reversed CrawlPath
	for e := via[target]; e != nil; e = via[e.Source.ID] {
		reversed = append(reversed, e)
	}
	path := make(CrawlPath, len(reversed))
	for i, e := range reversed {
		path[len(reversed)-1-i] = e
	}
	return path
}

// GetAllStates returns a copy of the vertices in insertion order.
func (g *Graph) GetAllStates() []*StateVertex {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*StateVertex(nil), g.vertices...)
}

// GetAllEdges returns a copy of the edges in insertion order.
func (g *Graph) GetAllEdges() []*Eventable {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*Eventable(nil), g.edges...)
}

// StateCount returns the number of vertices.
func (g *Graph) StateCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.vertices)
}

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// MeanStateStringSize returns the mean length of the raw DOMs.
func (g *Graph) MeanStateStringSize() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.vertices) == 0 {
		return 0
	}
	total := 0
	for _, v := range g.vertices {
		total += len(v.DOM)
	}
	return total / len(g.vertices)
}

// DeepStates returns the states reachable from v that have no outgoing
// edges, in breadth-first order.
func (g *Graph) DeepStates(v *StateVertex) []*StateVertex {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.containsLocked(v) {
		return nil
	}

	var deep []*StateVertex
	seen := map[int]struct{}{v.ID: {}}
	queue := linkedlistqueue.New()
	queue.Enqueue(v)
	for !queue.Empty() {
		value, _ := queue.Dequeue()
		current := value.(*StateVertex)
		edges := g.outgoing[current.ID]
		if len(edges) == 0 && current != v {
			deep = append(deep, current)
		}
		for _, e := range edges {
			if _, ok := seen[e.Target.ID]; ok {
				continue
			}
			seen[e.Target.ID] = struct{}{}
			queue.Enqueue(e.Target)
		}
	}
	return deep
}

// AllPossiblePaths lists the cycle-free paths from v to every deep state
// reachable from it. A positive limit caps the number of paths returned.
func (g *Graph) AllPossiblePaths(v *StateVertex, limit int) []CrawlPath {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.containsLocked(v) {
		return nil
	}

	var paths []CrawlPath
	onPath := map[int]bool{v.ID: true}
	var walk func(current *StateVertex, path CrawlPath) bool
	walk = func(current *StateVertex, path CrawlPath) bool {
		edges := g.outgoing[current.ID]
		if len(edges) == 0 && len(path) > 0 {
			paths = append(paths, path)
			return limit <= 0 || len(paths) < limit
		}
		for _, e := range edges {
			if onPath[e.Target.ID] {
				continue
			}
			onPath[e.Target.ID] = true
			more := walk(e.Target, path.Append(e))
			onPath[e.Target.ID] = false
			if !more {
				return false
			}
		}
		return true
	}
	walk(v, nil)
	return paths
}
