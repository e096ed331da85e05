package candidate

import (
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// Extractor applies the crawl rules to a page's candidates. It has no side
// effects: recording a fired candidate is the caller's job.
type Extractor struct {
	rules  Rules
	logger *zap.Logger
}

// NewExtractor creates an extractor for the given rules.
func NewExtractor(rules Rules, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{rules: rules, logger: logger.Named("CandidateExtractor")}
}

// Rules returns the rules the extractor applies.
func (e *Extractor) Rules() Rules { return e.rules }

// Extract returns the candidates of page eligible for firing, in document
// order: exclusions first, then inclusions, then the click-once history.
func (e *Extractor) Extract(page *Page, fired FiredSet) []Candidate {
	return e.Unfired(e.Filter(page), fired)
}

// Filter applies the exclude and include rules.
func (e *Extractor) Filter(page *Page) []Candidate {
	if page == nil {
		return nil
	}
	excluded := e.excludedSubtrees(page.Doc)

	includeScopes := make([][]string, len(e.rules.Include))
	for i, r := range e.rules.Include {
		includeScopes[i] = r.scopes(page.Doc)
	}

	out := make([]Candidate, 0, len(page.Candidates))
	for _, c := range page.Candidates {
		if underAny(c.Element.XPath, excluded) {
			continue
		}
		if !e.included(c, includeScopes) {
			continue
		}
		out = append(out, c)
	}
	e.logger.Debug("Filtered candidates",
		zap.String("url", page.URL),
		zap.Int("found", len(page.Candidates)),
		zap.Int("kept", len(out)),
		zap.Int("excluded_subtrees", len(excluded)),
	)
	return out
}

// Unfired drops candidates already fired when click-once is enabled.
func (e *Extractor) Unfired(candidates []Candidate, fired FiredSet) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if e.rules.ClickOnce && fired.Has(c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (e *Extractor) included(c Candidate, scopes [][]string) bool {
	if len(e.rules.Include) == 0 {
		return true
	}
	for i, r := range e.rules.Include {
		if !r.matchesElement(c.Element) {
			continue
		}
		if r.under != nil && !underAny(c.Element.XPath, scopes[i]) {
			continue
		}
		return true
	}
	return false
}

// excludedSubtrees finds the elements matched by an exclude rule and returns
// their absolute paths. Everything inside them is excluded too.
func (e *Extractor) excludedSubtrees(doc *html.Node) []string {
	if doc == nil || len(e.rules.Exclude) == 0 {
		return nil
	}
	scopes := make([][]string, len(e.rules.Exclude))
	for i, r := range e.rules.Exclude {
		scopes[i] = r.scopes(doc)
	}

	var roots []string
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode {
			for i, r := range e.rules.Exclude {
				if r.Tag != "*" && r.Tag != strings.ToLower(n.Data) {
					continue
				}
				_, wantText := r.values[InnerText]
				el := describe(n, wantText)
				if !r.matchesElement(el) {
					continue
				}
				if r.under != nil && !underAny(el.XPath, scopes[i]) {
					continue
				}
				roots = append(roots, el.XPath)
				// The whole subtree is gone; no need to look inside.
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(doc)
	return roots
}
