package stateflow

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/stateflow/api/schemas"
	"github.com/xkilldash9x/stateflow/internal/equivalence"
)

func newTestGraph(t *testing.T, opts ...Option) *Graph {
	t.Helper()
	cmp := equivalence.NewComparator(equivalence.NewExact(nil), nil)
	return NewGraph(cmp, zaptest.NewLogger(t), opts...)
}

func vertex(g *Graph, dom string) *StateVertex {
	return NewStateVertex("http://app.test/", g.Comparator().Observe(dom))
}

func click(xpath string) *Eventable {
	return &Eventable{
		Identification: schemas.Identification{How: schemas.IdentifyByXPath, Value: xpath},
		Kind:           schemas.EventClick,
	}
}

// buildChain creates index -> A -> B.
func buildChain(t *testing.T) (g *Graph, index, a, b *StateVertex, e1, e2 *Eventable) {
	t.Helper()
	g = newTestGraph(t)
	index, a, b = vertex(g, "<p>index</p>"), vertex(g, "<p>A</p>"), vertex(g, "<p>B</p>")
	require.NoError(t, g.PutIndex(index))
	require.Nil(t, g.PutIfAbsent(a))
	require.Nil(t, g.PutIfAbsent(b))
	e1, e2 = click("//a[1]"), click("//a[2]")
	ok, err := g.AddEdge(index, a, e1)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = g.AddEdge(a, b, e2)
	require.NoError(t, err)
	require.True(t, ok)
	return g, index, a, b, e1, e2
}

func TestPutIndex(t *testing.T) {
	g := newTestGraph(t)
	assert.Nil(t, g.Index())

	index := vertex(g, "<p>index</p>")
	require.NoError(t, g.PutIndex(index))
	assert.Equal(t, 0, index.ID)
	assert.Equal(t, IndexName, index.Name)
	assert.Same(t, index, g.Index())

	err := g.PutIndex(vertex(g, "<p>other</p>"))
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
	assert.Equal(t, 1, g.StateCount())
}

func TestPutIfAbsentAssignsDenseIDs(t *testing.T) {
	g := newTestGraph(t)
	require.NoError(t, g.PutIndex(vertex(g, "<p>index</p>")))

	a := vertex(g, "<p>A</p>")
	b := vertex(g, "<p>B</p>")
	assert.Nil(t, g.PutIfAbsent(a))
	assert.Nil(t, g.PutIfAbsent(b))
	assert.Equal(t, 1, a.ID)
	assert.Equal(t, "state1", a.Name)
	assert.Equal(t, 2, b.ID)
	assert.Equal(t, "state2", b.Name)

	again := vertex(g, "<p>A</p>")
	assert.Same(t, a, g.PutIfAbsent(again), "the canonical vertex is returned")
	assert.Zero(t, again.ID, "a rejected candidate is not numbered")
	assert.Equal(t, 3, g.StateCount())

	byName, ok := g.GetStateByName("state2")
	require.True(t, ok)
	assert.Same(t, b, byName)
	byID, ok := g.GetStateByID(0)
	require.True(t, ok)
	assert.Same(t, g.Index(), byID)
	_, ok = g.GetStateByID(99)
	assert.False(t, ok)
}

func TestDedupInvariant(t *testing.T) {
	// K observations, G of them mutually equivalent: (K-G)+1 vertices.
	doms := []string{"<p>dup</p>", "<p>one</p>", "<p>dup</p>", "<p>two</p>", "<p>dup</p>", "<p>three</p>", "<p>dup</p>"}
	const k, gEquivalent = 7, 4

	g := newTestGraph(t)
	for _, d := range doms {
		g.PutIfAbsent(vertex(g, d))
	}
	assert.Equal(t, (k-gEquivalent)+1, g.StateCount())
}

func TestDedupWithThresholdStrategy(t *testing.T) {
	strategy, err := equivalence.NewEditDistance(0.9, nil)
	require.NoError(t, err)
	g := NewGraph(equivalence.NewComparator(strategy, nil), nil)

	first := vertex(g, "<div><p>Welcome back, user</p></div>")
	require.Nil(t, g.PutIfAbsent(first))
	assert.Same(t, first, g.PutIfAbsent(vertex(g, "<div><p>Welcome back, user!</p></div>")))
	assert.Nil(t, g.PutIfAbsent(vertex(g, "<table><tr><td>an unrelated page</td></tr></table>")))
	assert.Equal(t, 2, g.StateCount())
}

func TestAddEdgeIdempotence(t *testing.T) {
	g, index, a, _, _, _ := buildChain(t)
	before := g.EdgeCount()

	ok, err := g.AddEdge(index, a, click("//button[1]"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = g.AddEdge(index, a, click("//button[1]"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before+1, g.EdgeCount())

	// Same element, different event kind: a different edge.
	hover := click("//button[1]")
	hover.Kind = schemas.EventMouseOver
	ok, err = g.AddEdge(index, a, hover)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, before+2, g.EdgeCount())
}

func TestAddEdgeRequiresVertices(t *testing.T) {
	g, index, _, _, _, _ := buildChain(t)
	stranger := vertex(g, "<p>not inserted</p>")

	_, err := g.AddEdge(index, stranger, click("//x"))
	assert.ErrorIs(t, err, ErrStateNotFound)
	_, err = g.AddEdge(stranger, index, click("//x"))
	assert.ErrorIs(t, err, ErrStateNotFound)
	_, err = g.AddEdge(nil, index, click("//x"))
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestEdgeBookkeeping(t *testing.T) {
	g, index, a, b, e1, e2 := buildChain(t)

	assert.Equal(t, 1, e1.ID)
	assert.Equal(t, 2, e2.ID)
	assert.Same(t, index, e1.Source)
	assert.Same(t, a, e1.Target)

	assert.Equal(t, []*Eventable{e1}, g.GetOutgoingClickables(index))
	assert.Equal(t, []*Eventable{e2}, g.GetOutgoingClickables(a))
	assert.Empty(t, g.GetOutgoingClickables(b))
	assert.Equal(t, []*Eventable{e1}, g.GetIncomingClickables(a))
	assert.Empty(t, g.GetIncomingClickables(index))
	assert.Equal(t, []*Eventable{e1, e2}, g.GetAllEdges())
	assert.Equal(t, []*StateVertex{index, a, b}, g.GetAllStates())
	assert.Equal(t, []*StateVertex{a}, g.GetOutgoingStates(index))

	assert.True(t, g.CanGoTo(index, a))
	assert.False(t, g.CanGoTo(a, index), "edges are directed")
	assert.False(t, g.CanGoTo(index, b), "only direct edges count")
}

func TestSnapshotsAreCopies(t *testing.T) {
	g, index, _, _, _, _ := buildChain(t)
	states := g.GetAllStates()
	states[0] = nil
	edges := g.GetOutgoingClickables(index)
	edges[0] = nil

	assert.NotNil(t, g.GetAllStates()[0])
	assert.NotNil(t, g.GetOutgoingClickables(index)[0])
}

func TestGetShortestPath(t *testing.T) {
	g, index, a, b, e1, e2 := buildChain(t)

	path, err := g.GetShortestPath(index, b)
	require.NoError(t, err)
	assert.Equal(t, CrawlPath{e1, e2}, path)
	assert.Equal(t, "index > state1 > state2", path.String())

	path, err = g.GetShortestPath(index, index)
	require.NoError(t, err)
	assert.Empty(t, path)

	unreachable := vertex(g, "<p>island</p>")
	require.Nil(t, g.PutIfAbsent(unreachable))
	_, err = g.GetShortestPath(index, unreachable)
	assert.ErrorIs(t, err, ErrUnreachable)

	_, err = g.GetShortestPath(b, a)
	assert.ErrorIs(t, err, ErrUnreachable)

	_, err = g.GetShortestPath(index, vertex(g, "<p>never inserted</p>"))
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestGetShortestPathTieBreak(t *testing.T) {
	// index -> A -> C and index -> B -> C: the edge inserted first wins.
	g := newTestGraph(t)
	index, a, b, c := vertex(g, "i"), vertex(g, "a"), vertex(g, "b"), vertex(g, "c")
	require.NoError(t, g.PutIndex(index))
	for _, v := range []*StateVertex{a, b, c} {
		require.Nil(t, g.PutIfAbsent(v))
	}
	toA, toB, aToC, bToC := click("//a"), click("//b"), click("//ac"), click("//bc")
	for _, step := range []struct {
		from, to *StateVertex
		e        *Eventable
	}{{index, a, toA}, {index, b, toB}, {b, c, bToC}, {a, c, aToC}} {
		_, err := g.AddEdge(step.from, step.to, step.e)
		require.NoError(t, err)
	}

	for i := 0; i < 10; i++ {
		path, err := g.GetShortestPath(index, c)
		require.NoError(t, err)
		assert.Equal(t, CrawlPath{toA, aToC}, path)
	}

	// Shortcut edges shorten the path.
	direct := click("//direct")
	_, err := g.AddEdge(index, c, direct)
	require.NoError(t, err)
	path, err := g.GetShortestPath(index, c)
	require.NoError(t, err)
	assert.Equal(t, CrawlPath{direct}, path)
}

func TestCycles(t *testing.T) {
	g, index, a, b, _, _ := buildChain(t)
	back := click("//back")
	ok, err := g.AddEdge(b, index, back)
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, g.CanGoTo(b, index))
	path, err := g.GetShortestPath(b, a)
	require.NoError(t, err)
	assert.Len(t, path, 2)
	assert.Empty(t, g.DeepStates(index), "every state has an outgoing edge")
}

func TestDeepStatesAndPaths(t *testing.T) {
	// index -> A -> B, index -> C, A -> C
	g, index, a, b, e1, e2 := buildChain(t)
	c := vertex(g, "<p>C</p>")
	require.Nil(t, g.PutIfAbsent(c))
	toC, aToC := click("//c"), click("//ac")
	_, err := g.AddEdge(index, c, toC)
	require.NoError(t, err)
	_, err = g.AddEdge(a, c, aToC)
	require.NoError(t, err)

	assert.Equal(t, []*StateVertex{c, b}, g.DeepStates(index))
	assert.Equal(t, []*StateVertex{a, c}, g.GetOutgoingStates(index))

	paths := g.AllPossiblePaths(index, 0)
	want := []CrawlPath{{e1, e2}, {e1, aToC}, {toC}}
	if diff := cmp.Diff(pathNames(want), pathNames(paths)); diff != "" {
		t.Errorf("AllPossiblePaths mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, g.AllPossiblePaths(index, 2), 2)
	assert.Nil(t, g.AllPossiblePaths(vertex(g, "x"), 0))
}

func pathNames(paths []CrawlPath) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p.String()
	}
	return out
}

func TestMeanStateStringSize(t *testing.T) {
	g := newTestGraph(t)
	assert.Zero(t, g.MeanStateStringSize())
	require.NoError(t, g.PutIndex(vertex(g, "1234")))
	g.PutIfAbsent(vertex(g, "12345678"))
	assert.Equal(t, 6, g.MeanStateStringSize())
}

func TestInsertHook(t *testing.T) {
	var inserted []string
	g := newTestGraph(t, WithInsertHook(func(v *StateVertex) { inserted = append(inserted, v.Name) }))
	require.NoError(t, g.PutIndex(vertex(g, "i")))
	g.PutIfAbsent(vertex(g, "a"))
	g.PutIfAbsent(vertex(g, "a"))
	assert.Equal(t, []string{"index", "state1"}, inserted)
}

func TestPutVertexAndEdge(t *testing.T) {
	g := newTestGraph(t)
	index := NewStateVertex("http://app.test/", equivalence.NewObservation("", "i", "i"))
	seven := NewStateVertex("http://app.test/7", equivalence.NewObservation("state7", "s", "s"))
	seven.ID = 7
	require.NoError(t, g.PutVertex(index))
	require.NoError(t, g.PutVertex(seven))
	assert.Same(t, index, g.Index())
	assert.Equal(t, IndexName, index.Name)

	dup := NewStateVertex("", equivalence.NewObservation("", "d", "d"))
	dup.ID = 7
	assert.ErrorIs(t, g.PutVertex(dup), ErrDuplicateState)

	e := click("//x")
	e.ID = 40
	ok, err := g.PutEdge(index, seven, e)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 40, e.ID)

	next := vertex(g, "fresh")
	require.Nil(t, g.PutIfAbsent(next))
	assert.Equal(t, 8, next.ID, "new ids continue after restored ones")
	fresh := click("//y")
	_, err = g.AddEdge(seven, next, fresh)
	require.NoError(t, err)
	assert.Equal(t, 41, fresh.ID)
}

// insertConcurrently feeds doms to PutIfAbsent from several goroutines and
// checks that the graph ends with want vertices carrying dense unique ids.
func insertConcurrently(t *testing.T, g *Graph, doms []string, want int) {
	t.Helper()
	const workers = 8
	rand.Shuffle(len(doms), func(i, j int) { doms[i], doms[j] = doms[j], doms[i] })

	work := make(chan string)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range work {
				g.PutIfAbsent(vertex(g, d))
			}
		}()
	}
	for _, d := range doms {
		work <- d
	}
	close(work)
	wg.Wait()

	require.Equal(t, want, g.StateCount())
	ids := make(map[int]bool)
	for _, v := range g.GetAllStates() {
		assert.False(t, ids[v.ID], "duplicate id %d", v.ID)
		ids[v.ID] = true
		assert.Equal(t, fmt.Sprintf("state%d", v.ID), v.Name)
	}
	for id := 1; id <= want; id++ {
		assert.True(t, ids[id], "ids must be dense, missing %d", id)
	}
}

func TestConcurrentPutIfAbsent(t *testing.T) {
	// M observations, K mutually equivalent: M-K+1 vertices under any schedule.
	const m, k = 60, 15
	for round := 0; round < 20; round++ {
		t.Run(fmt.Sprintf("round %d", round), func(t *testing.T) {
			g := newTestGraph(t)
			doms := make([]string, 0, m)
			for i := 0; i < k; i++ {
				doms = append(doms, "<p>same</p>")
			}
			for i := k; i < m; i++ {
				doms = append(doms, fmt.Sprintf("<p>unique %d</p>", i))
			}
			insertConcurrently(t, g, doms, m-k+1)
		})
	}
}

// letters returns n pseudo-random lowercase letters determined by seed.
func letters(seed int64, n int) string {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + r.Intn(26))
	}
	return string(b)
}

func TestConcurrentPutIfAbsent_ThresholdStrategy(t *testing.T) {
	// 47-rune documents at threshold 0.9 match within 9.4 edits. The K
	// near-duplicates differ in two digits; the others share almost nothing.
	const m, k = 40, 12
	for round := 0; round < 10; round++ {
		t.Run(fmt.Sprintf("round %d", round), func(t *testing.T) {
			strategy, err := equivalence.NewEditDistance(0.9, nil)
			require.NoError(t, err)
			g := NewGraph(equivalence.NewComparator(strategy, nil), zaptest.NewLogger(t))

			doms := make([]string, 0, m)
			for i := 0; i < k; i++ {
				doms = append(doms, fmt.Sprintf("<p>%s%02d</p>", strings.Repeat("x", 38), i))
			}
			for i := k; i < m; i++ {
				doms = append(doms, "<p>"+letters(int64(i), 40)+"</p>")
			}
			insertConcurrently(t, g, doms, m-k+1)
		})
	}
}
