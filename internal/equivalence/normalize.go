package equivalence

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"github.com/dlclark/regexp2"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// Normalizer rewrites a DOM before comparison.
type Normalizer interface {
	Name() string
	Apply(dom string) (string, error)
}

// Chain applies normalizers in order. A failing normalizer is logged and
// skipped; the DOM it received is passed on unchanged.
type Chain struct {
	normalizers []Normalizer
	logger      *zap.Logger
}

// NewChain creates a chain. The slice order is the application order.
func NewChain(logger *zap.Logger, normalizers ...Normalizer) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{normalizers: normalizers, logger: logger.Named("Normalizer")}
}

// Len returns the number of normalizers in the chain.
func (c *Chain) Len() int { return len(c.normalizers) }

// Names lists the normalizers in application order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.normalizers))
	for i, n := range c.normalizers {
		names[i] = n.Name()
	}
	return names
}

// Apply runs the chain.
func (c *Chain) Apply(dom string) string {
	for _, n := range c.normalizers {
		out, err := n.Apply(dom)
		if err != nil {
			c.logger.Warn("Normalizer failed, keeping previous DOM", zap.String("normalizer", n.Name()), zap.Error(err))
			continue
		}
		dom = out
	}
	return dom
}

func (c *Chain) withTrailingWhitespace() *Chain {
	if n := len(c.normalizers); n > 0 {
		if _, ok := c.normalizers[n-1].(Whitespace); ok {
			return c
		}
	}
	normalizers := make([]Normalizer, 0, len(c.normalizers)+1)
	normalizers = append(normalizers, c.normalizers...)
	normalizers = append(normalizers, Whitespace{})
	return &Chain{normalizers: normalizers, logger: c.logger}
}

// -- tree helpers --

func parseDOM(dom string) (*html.Node, error) {
	doc, err := html.Parse(strings.NewReader(dom))
	if err != nil {
		return nil, fmt.Errorf("failed to parse DOM: %w", err)
	}
	return doc, nil
}

func renderDOM(doc *html.Node) (string, error) {
	var b strings.Builder
	if err := html.Render(&b, doc); err != nil {
		return "", fmt.Errorf("failed to render DOM: %w", err)
	}
	return b.String(), nil
}

// rewrite parses the DOM, lets fn mutate the tree and renders it back.
func rewrite(dom string, fn func(doc *html.Node)) (string, error) {
	doc, err := parseDOM(dom)
	if err != nil {
		return "", err
	}
	fn(doc)
	return renderDOM(doc)
}

// walk visits n and its descendants depth first. The next sibling is read
// before visiting, so visit may detach the node it is given.
func walk(n *html.Node, visit func(*html.Node)) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		walk(c, visit)
		c = next
	}
	visit(n)
}

func removeNode(n *html.Node) {
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

// unwrap replaces n with its children.
func unwrap(n *html.Node) {
	parent := n.Parent
	if parent == nil {
		return
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		parent.InsertBefore(c, n)
		c = next
	}
	parent.RemoveChild(n)
}

func filterAttrs(n *html.Node, drop func(html.Attribute) bool) {
	if len(n.Attr) == 0 {
		return
	}
	kept := n.Attr[:0]
	for _, a := range n.Attr {
		if !drop(a) {
			kept = append(kept, a)
		}
	}
	n.Attr = kept
}

// -- StripAttributes --

// StripAttributes removes the listed attributes, or every attribute when the list is empty.
type StripAttributes struct {
	Attributes []string
}

func (StripAttributes) Name() string { return "strip_attributes" }

func (s StripAttributes) Apply(dom string) (string, error) {
	names := make(map[string]struct{}, len(s.Attributes))
	for _, a := range s.Attributes {
		names[strings.ToLower(a)] = struct{}{}
	}
	return rewrite(dom, func(doc *html.Node) {
		walk(doc, func(n *html.Node) {
			if n.Type != html.ElementNode {
				return
			}
			filterAttrs(n, func(a html.Attribute) bool {
				if len(names) == 0 {
					return true
				}
				_, ok := names[strings.ToLower(a.Key)]
				return ok
			})
		})
	})
}

// -- StripStyle --

var (
	presentationalAttrs = map[string]struct{}{
		"align": {}, "bgcolor": {}, "height": {}, "valign": {}, "width": {}, "type": {}, "dir": {},
	}
	formattingTags = map[string]struct{}{
		"em": {}, "strong": {}, "dfn": {}, "code": {}, "samp": {}, "kbd": {}, "var": {}, "cite": {},
		"tt": {}, "b": {}, "i": {}, "u": {}, "big": {}, "small": {}, "pre": {}, "font": {},
	}
	// Style properties that change what is on screen rather than how it looks.
	visibleStyleProps = map[string]struct{}{"display": {}, "visibility": {}}
)

// StripStyle removes presentation: <style> elements, formatting wrappers,
// presentational attributes and every inline style property except display
// and visibility.
type StripStyle struct{}

func (StripStyle) Name() string { return "strip_style" }

func (StripStyle) Apply(dom string) (string, error) {
	return rewrite(dom, func(doc *html.Node) {
		walk(doc, func(n *html.Node) {
			if n.Type != html.ElementNode {
				return
			}
			tag := strings.ToLower(n.Data)
			if tag == "style" {
				removeNode(n)
				return
			}
			if _, ok := formattingTags[tag]; ok {
				unwrap(n)
				return
			}
			filterAttrs(n, func(a html.Attribute) bool {
				_, ok := presentationalAttrs[strings.ToLower(a.Key)]
				return ok
			})
			for i := 0; i < len(n.Attr); i++ {
				if strings.ToLower(n.Attr[i].Key) != "style" {
					continue
				}
				n.Attr[i].Val = keepVisibleStyle(n.Attr[i].Val)
			}
			filterAttrs(n, func(a html.Attribute) bool {
				return strings.ToLower(a.Key) == "style" && a.Val == ""
			})
		})
	})
}

func keepVisibleStyle(style string) string {
	var b strings.Builder
	for _, decl := range strings.Split(style, ";") {
		prop, val, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		prop = strings.ToLower(strings.TrimSpace(prop))
		if _, keep := visibleStyleProps[prop]; keep {
			fmt.Fprintf(&b, "%s: %s;", prop, strings.TrimSpace(val))
		}
	}
	return b.String()
}

// -- StripScripts --

// StripScripts removes script and noscript elements and inline event handlers.
type StripScripts struct{}

func (StripScripts) Name() string { return "strip_scripts" }

func (StripScripts) Apply(dom string) (string, error) {
	return rewrite(dom, func(doc *html.Node) {
		walk(doc, func(n *html.Node) {
			if n.Type != html.ElementNode {
				return
			}
			switch strings.ToLower(n.Data) {
			case "script", "noscript":
				removeNode(n)
				return
			}
			filterAttrs(n, func(a html.Attribute) bool {
				return strings.HasPrefix(strings.ToLower(a.Key), "on")
			})
		})
	})
}

// -- StripRegex --

// regexMatchTimeout bounds a single pattern evaluation; backtracking patterns
// can otherwise stall a worker inside the graph critical section.
const regexMatchTimeout = 2 * time.Second

// StripRegex deletes every match of a pattern. Patterns use .NET/Java
// syntax, including lookaround.
type StripRegex struct {
	re *regexp2.Regexp
}

// NewStripRegex compiles the pattern.
func NewStripRegex(pattern string) (*StripRegex, error) {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	re.MatchTimeout = regexMatchTimeout
	return &StripRegex{re: re}, nil
}

func (*StripRegex) Name() string { return "regex" }

func (s *StripRegex) Apply(dom string) (string, error) {
	return s.re.Replace(dom, "", -1, -1)
}

// -- StripXPath --

// StripXPath removes every element selected by any of the expressions.
// Non-element results are ignored.
type StripXPath struct {
	exprs []*xpath.Expr
}

// NewStripXPath compiles the expressions.
func NewStripXPath(expressions ...string) (*StripXPath, error) {
	s := &StripXPath{}
	for _, e := range expressions {
		compiled, err := xpath.Compile(e)
		if err != nil {
			return nil, fmt.Errorf("invalid xpath %q: %w", e, err)
		}
		s.exprs = append(s.exprs, compiled)
	}
	return s, nil
}

func (*StripXPath) Name() string { return "xpath" }

func (s *StripXPath) Apply(dom string) (string, error) {
	return rewrite(dom, func(doc *html.Node) {
		for _, expr := range s.exprs {
			for _, n := range htmlquery.QuerySelectorAll(doc, expr) {
				if n.Type == html.ElementNode {
					removeNode(n)
				}
			}
		}
	})
}

// -- PlainStructure --

// PlainStructure keeps only the element skeleton: no attributes, text or comments.
type PlainStructure struct{}

func (PlainStructure) Name() string { return "plain_structure" }

func (PlainStructure) Apply(dom string) (string, error) {
	return rewrite(dom, func(doc *html.Node) {
		walk(doc, func(n *html.Node) {
			switch n.Type {
			case html.TextNode, html.CommentNode:
				removeNode(n)
			case html.ElementNode:
				n.Attr = nil
			}
		})
	})
}

// -- Whitespace --

var (
	lineBreaks  = regexp.MustCompile(`[\t\n\x0B\f\r]+`)
	interTagGap = regexp.MustCompile(`>\s+<`)
	spaceRuns   = regexp.MustCompile(` {2,}`)
)

// Whitespace drops line breaks and the blank runs between tags.
type Whitespace struct{}

func (Whitespace) Name() string { return "whitespace" }

func (Whitespace) Apply(dom string) (string, error) {
	dom = lineBreaks.ReplaceAllString(dom, "")
	dom = interTagGap.ReplaceAllString(dom, "><")
	return strings.TrimSpace(spaceRuns.ReplaceAllString(dom, " ")), nil
}

// -- TextOnly --

// TextOnly reduces the document to its visible text.
type TextOnly struct {
	policy *bluemonday.Policy
}

// NewTextOnly builds the normalizer with a strict sanitizer policy.
func NewTextOnly() *TextOnly {
	return &TextOnly{policy: bluemonday.StrictPolicy()}
}

func (*TextOnly) Name() string { return "text_only" }

func (t *TextOnly) Apply(dom string) (string, error) {
	// Script and style bodies are text to a sanitizer; drop them first.
	stripped, err := StripScripts{}.Apply(dom)
	if err != nil {
		return "", err
	}
	stripped, err = rewrite(stripped, func(doc *html.Node) {
		walk(doc, func(n *html.Node) {
			if n.Type == html.ElementNode && strings.EqualFold(n.Data, "style") {
				removeNode(n)
			}
		})
	})
	if err != nil {
		return "", err
	}
	text := t.policy.Sanitize(stripped)
	return strings.Join(strings.Fields(text), " "), nil
}
