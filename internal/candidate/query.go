package candidate

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/gobwas/glob"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/stateflow/api/schemas"
)

const maxTextLen = 200

var skippedExtensions = map[string]struct{}{".pdf": {}, ".ps": {}}

// Querier lists the actionable elements of a rendered DOM.
type Querier struct {
	selector cascadia.Selector
	kinds    []schemas.EventKind
	hosts    []glob.Glob
	logger   *zap.Logger
}

// NewQuerier builds a querier that looks for the tags named by the include
// rules. Links are followed only to hosts matching allowedHosts, which
// defaults to the host of seedURL.
func NewQuerier(rules Rules, kinds []schemas.EventKind, allowedHosts []string, seedURL string, logger *zap.Logger) (*Querier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(kinds) == 0 {
		kinds = []schemas.EventKind{schemas.EventClick}
	}

	tags := rules.Tags()
	if len(tags) == 0 {
		return nil, fmt.Errorf("no include rules: nothing to crawl")
	}
	selector, err := cascadia.Compile(strings.Join(tags, ", "))
	if err != nil {
		return nil, fmt.Errorf("invalid tag in include rules: %w", err)
	}

	if len(allowedHosts) == 0 {
		seed, err := url.Parse(seedURL)
		if err != nil || seed.Hostname() == "" {
			return nil, fmt.Errorf("cannot derive allowed host from seed url %q", seedURL)
		}
		allowedHosts = []string{glob.QuoteMeta(seed.Hostname())}
	}
	q := &Querier{selector: selector, kinds: kinds, logger: logger.Named("CandidateQuery")}
	for _, pattern := range allowedHosts {
		g, err := glob.Compile(strings.ToLower(pattern), '.')
		if err != nil {
			return nil, fmt.Errorf("invalid allowed host pattern %q: %w", pattern, err)
		}
		q.hosts = append(q.hosts, g)
	}
	return q, nil
}

// Query parses dom and returns its candidates in document order, one per
// element and event kind. Hidden elements, links leaving the allowed hosts,
// e-mail links and links to documents are skipped.
func (q *Querier) Query(dom, pageURL string) (*Page, error) {
	doc, err := html.Parse(strings.NewReader(dom))
	if err != nil {
		return nil, fmt.Errorf("failed to parse DOM: %w", err)
	}
	base, _ := url.Parse(pageURL)

	page := &Page{URL: pageURL, Doc: doc}
	skipped := 0
	goquery.NewDocumentFromNode(doc).FindMatcher(q.selector).Each(func(_ int, s *goquery.Selection) {
		n := s.Nodes[0]
		if hidden(n) {
			skipped++
			return
		}
		if href, ok := s.Attr("href"); ok {
			if reason := q.skipLink(href, base); reason != "" {
				q.logger.Debug("Skipping link", zap.String("href", href), zap.String("reason", reason))
				skipped++
				return
			}
		}
		el := describe(n, true)
		id := schemas.Identification{How: schemas.IdentifyByXPath, Value: Locator(doc, n)}
		for _, kind := range q.kinds {
			page.Candidates = append(page.Candidates, Candidate{
				Identification: id,
				Kind:           kind,
				Element:        el,
				Index:          len(page.Candidates),
			})
		}
	})
	q.logger.Debug("Queried candidates", zap.String("url", pageURL), zap.Int("candidates", len(page.Candidates)), zap.Int("skipped", skipped))
	return page, nil
}

// skipLink returns why an href must not be followed, or "".
func (q *Querier) skipLink(href string, base *url.URL) string {
	h := strings.ToLower(strings.TrimSpace(href))
	if strings.HasPrefix(h, "mailto:") || (strings.Contains(h, "@") && !strings.Contains(h, "/") && !strings.Contains(h, ":")) {
		return "email"
	}
	target, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	if base != nil {
		target = base.ResolveReference(target)
	}
	if _, ok := skippedExtensions[strings.ToLower(path.Ext(target.Path))]; ok {
		return "document"
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return ""
	}
	if !q.allowedHost(target.Hostname()) {
		return "external"
	}
	return ""
}

func (q *Querier) allowedHost(host string) bool {
	host = strings.ToLower(host)
	for _, g := range q.hosts {
		if g.Match(host) {
			return true
		}
	}
	return false
}

// hidden reports whether n or an ancestor is taken out of rendering.
func hidden(n *html.Node) bool {
	if n.Type == html.ElementNode && strings.EqualFold(n.Data, "input") && strings.EqualFold(attr(n, "type"), "hidden") {
		return true
	}
	for a := n; a != nil; a = a.Parent {
		if a.Type != html.ElementNode {
			continue
		}
		for _, at := range a.Attr {
			switch strings.ToLower(at.Key) {
			case "hidden":
				return true
			case "style":
				style := strings.ToLower(strings.Join(strings.Fields(at.Val), ""))
				if strings.Contains(style, "display:none") {
					return true
				}
			}
		}
	}
	return false
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val
		}
	}
	return ""
}

// describe captures what the rules and the snapshot need about an element.
func describe(n *html.Node, withText bool) schemas.Element {
	el := schemas.Element{
		Tag:   strings.ToLower(n.Data),
		XPath: AbsoluteXPath(n),
	}
	if len(n.Attr) > 0 {
		el.Attributes = make(map[string]string, len(n.Attr))
		for _, a := range n.Attr {
			el.Attributes[strings.ToLower(a.Key)] = a.Val
		}
	}
	if withText {
		el.Text = collapseText(goquery.NewDocumentFromNode(n).Text())
	}
	return el
}

func collapseText(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxTextLen {
		return s
	}
	return string([]rune(s)[:maxTextLen])
}
