package equivalence

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// TreeDistance compares the element trees of two normalized DOMs with a unit
// cost tree edit distance (delete = insert = 1, rename = 0 for the same tag
// and 1 otherwise). Observations are equal when the distance is at most
// Threshold.
//
// The computation is O(n²·m²) in the worst case for trees of n and m
// elements; pair it with normalizers that prune large subtrees on big pages.
type TreeDistance struct {
	normalizing
	Threshold int
}

// NewTreeDistance builds the strategy. The threshold must not be negative.
func NewTreeDistance(threshold int, chain *Chain) (*TreeDistance, error) {
	if threshold < 0 {
		return nil, fmt.Errorf("tree distance threshold must not be negative, got %d", threshold)
	}
	return &TreeDistance{normalizing: normalizing{chain: chain}, Threshold: threshold}, nil
}

func (*TreeDistance) Kind() Kind { return KindTreeDistance }

const treeCacheKey = "tree/postorder"

func (t *TreeDistance) Equivalent(a, b *Observation) bool {
	if a.comparisonText() == b.comparisonText() {
		return true
	}
	ta, errA := observationTree(a)
	tb, errB := observationTree(b)
	if errA != nil || errB != nil {
		return false
	}
	// Every unmatched node costs at least one operation.
	if diff := len(ta.labels) - len(tb.labels); diff > t.Threshold || -diff > t.Threshold {
		return false
	}
	return treeEditDistance(ta, tb) <= t.Threshold
}

func observationTree(o *Observation) (*postorderTree, error) {
	v, err := o.Derive(treeCacheKey, func() (any, error) {
		doc, err := parseDOM(o.comparisonText())
		if err != nil {
			return nil, err
		}
		return newPostorderTree(doc), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*postorderTree), nil
}

// postorderTree is an element tree flattened in postorder, the layout the
// Zhang-Shasha algorithm works on.
type postorderTree struct {
	labels   []string
	leftmost []int // leftmost leaf descendant of each node
	keyroots []int
}

func newPostorderTree(doc *html.Node) *postorderTree {
	t := &postorderTree{}
	var visit func(n *html.Node) int
	// visit returns the postorder index of the leftmost leaf under n, or -1
	// when n has no element in its subtree.
	visit = func(n *html.Node) int {
		first := -1
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if lm := visit(c); lm >= 0 && first < 0 {
				first = lm
			}
		}
		if n.Type != html.ElementNode {
			return first
		}
		idx := len(t.labels)
		if first < 0 {
			first = idx
		}
		t.labels = append(t.labels, strings.ToLower(n.Data))
		t.leftmost = append(t.leftmost, first)
		return first
	}
	visit(doc)

	// A keyroot is the highest node sharing its leftmost leaf.
	highest := make(map[int]int, len(t.labels))
	for i, lm := range t.leftmost {
		highest[lm] = i
	}
	for i, lm := range t.leftmost {
		if highest[lm] == i {
			t.keyroots = append(t.keyroots, i)
		}
	}
	return t
}

func treeEditDistance(a, b *postorderTree) int {
	n, m := len(a.labels), len(b.labels)
	if n == 0 || m == 0 {
		return n + m
	}

	td := make([][]int, n)
	for i := range td {
		td[i] = make([]int, m)
	}

	for _, i := range a.keyroots {
		for _, j := range b.keyroots {
			forestDistance(a, b, i, j, td)
		}
	}
	return td[n-1][m-1]
}

func forestDistance(a, b *postorderTree, i, j int, td [][]int) {
	li, lj := a.leftmost[i], b.leftmost[j]
	rows, cols := i-li+2, j-lj+2

	fd := make([][]int, rows)
	for x := range fd {
		fd[x] = make([]int, cols)
	}
	for x := 1; x < rows; x++ {
		fd[x][0] = fd[x-1][0] + 1
	}
	for y := 1; y < cols; y++ {
		fd[0][y] = fd[0][y-1] + 1
	}

	for x := 1; x < rows; x++ {
		for y := 1; y < cols; y++ {
			ni, nj := li+x-1, lj+y-1
			del, ins := fd[x-1][y]+1, fd[x][y-1]+1
			if a.leftmost[ni] == li && b.leftmost[nj] == lj {
				rename := 1
				if a.labels[ni] == b.labels[nj] {
					rename = 0
				}
				fd[x][y] = min(del, ins, fd[x-1][y-1]+rename)
				td[ni][nj] = fd[x][y]
				continue
			}
			p, q := a.leftmost[ni]-li, b.leftmost[nj]-lj
			fd[x][y] = min(del, ins, fd[p][q]+td[ni][nj])
		}
	}
}
