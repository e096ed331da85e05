package stateflow

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/stateflow/api/schemas"
	"github.com/xkilldash9x/stateflow/internal/candidate"
)

// Eventable is a transition: the action fired on Source that led to Target.
// The graph sets ID, Source and Target when the edge is added.
type Eventable struct {
	ID             int
	Identification schemas.Identification
	Kind           schemas.EventKind
	Element        schemas.Element
	Source         *StateVertex
	Target         *StateVertex
}

// NewEventable describes the action of firing c.
func NewEventable(c candidate.Candidate) *Eventable {
	return &Eventable{Identification: c.Identification, Kind: c.Kind, Element: c.Element}
}

func (e *Eventable) String() string {
	return fmt.Sprintf("%s -[%s %s]-> %s", e.Source, e.Kind, e.Identification.Value, e.Target)
}

type edgeKey struct {
	from, to int
	id       schemas.Identification
	kind     schemas.EventKind
}

// CrawlPath is the sequence of transitions leading from the index state to
// a state. Paths are values: Append never modifies the receiver.
type CrawlPath []*Eventable

// Append returns a new path extended by e.
func (p CrawlPath) Append(e *Eventable) CrawlPath {
	out := make(CrawlPath, len(p), len(p)+1)
	copy(out, p)
	return append(out, e)
}

// Depth is the number of transitions in the path.
func (p CrawlPath) Depth() int { return len(p) }

// Last returns the state the path ends in, or nil for the empty path.
func (p CrawlPath) Last() *StateVertex {
	if len(p) == 0 {
		return nil
	}
	return p[len(p)-1].Target
}

func (p CrawlPath) String() string {
	if len(p) == 0 {
		return IndexName
	}
	parts := make([]string, 0, len(p)+1)
	parts = append(parts, p[0].Source.String())
	for _, e := range p {
		parts = append(parts, e.Target.String())
	}
	return strings.Join(parts, " > ")
}
