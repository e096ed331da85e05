// Package candidate turns a rendered page into the ordered list of UI actions
// a crawler may fire on it.
//
// Query is the DOM-facing half: it parses the page and lists actionable
// elements. Extractor is the pure half: it applies the crawl rules and the
// click-once history to that list.
package candidate

import (
	"golang.org/x/net/html"

	"github.com/xkilldash9x/stateflow/api/schemas"
)

// Candidate is one element paired with one event kind.
type Candidate struct {
	Identification schemas.Identification
	Kind           schemas.EventKind
	Element        schemas.Element
	// Index is the position of the candidate in document order.
	Index int
}

// Key identifies the action for click-once bookkeeping.
func (c Candidate) Key() string {
	return string(c.Kind) + " " + c.Identification.String()
}

// FiredSet holds the keys of candidates already fired on one state.
type FiredSet map[string]struct{}

// Has reports whether the candidate was fired.
func (f FiredSet) Has(c Candidate) bool {
	_, ok := f[c.Key()]
	return ok
}

// Page is a parsed state together with the candidates found on it.
type Page struct {
	URL        string
	Doc        *html.Node
	Candidates []Candidate
}
