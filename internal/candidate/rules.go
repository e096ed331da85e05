package candidate

import (
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"github.com/gobwas/glob"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/stateflow/api/schemas"
	"github.com/xkilldash9x/stateflow/internal/config"
)

// InnerText is the pseudo-attribute matched against an element's text.
const InnerText = "innertext"

// TagRule selects elements by tag, attribute values and an optional scope.
// Attribute values may use % as a wildcard. Tag "*" matches any element.
type TagRule struct {
	Tag        string
	Attributes map[string]string
	UnderXPath string

	values map[string]glob.Glob
	under  *xpath.Expr
}

// NewTagRule compiles the rule's patterns.
func NewTagRule(cfg config.RuleConfig) (TagRule, error) {
	r := TagRule{
		Tag:        strings.ToLower(strings.TrimSpace(cfg.Tag)),
		Attributes: cfg.Attributes,
		UnderXPath: cfg.UnderXPath,
		values:     make(map[string]glob.Glob, len(cfg.Attributes)),
	}
	if r.Tag == "" {
		return TagRule{}, fmt.Errorf("crawl rule needs a tag")
	}
	for name, value := range cfg.Attributes {
		g, err := glob.Compile(wildcardPattern(value))
		if err != nil {
			return TagRule{}, fmt.Errorf("invalid value pattern %q for attribute %q: %w", value, name, err)
		}
		r.values[strings.ToLower(name)] = g
	}
	if r.UnderXPath != "" {
		expr, err := xpath.Compile(r.UnderXPath)
		if err != nil {
			return TagRule{}, fmt.Errorf("invalid under_xpath %q: %w", r.UnderXPath, err)
		}
		r.under = expr
	}
	return r, nil
}

// wildcardPattern turns a %-wildcard value into a glob pattern that treats
// every other character literally.
func wildcardPattern(value string) string {
	parts := strings.Split(value, "%")
	for i, p := range parts {
		parts[i] = glob.QuoteMeta(p)
	}
	return strings.Join(parts, "*")
}

// matchesElement checks tag and attributes. Scope is checked separately
// because it needs the document.
func (r TagRule) matchesElement(e schemas.Element) bool {
	if r.Tag != "*" && r.Tag != strings.ToLower(e.Tag) {
		return false
	}
	for name, g := range r.values {
		var actual string
		if name == InnerText {
			actual = e.Text
		} else {
			v, ok := lookupAttr(e.Attributes, name)
			if !ok {
				return false
			}
			actual = v
		}
		if !g.Match(actual) {
			return false
		}
	}
	return true
}

// scopes returns the absolute paths of the elements selected by UnderXPath,
// or nil when the rule is not scoped.
func (r TagRule) scopes(doc *html.Node) []string {
	if r.under == nil || doc == nil {
		return nil
	}
	var out []string
	for _, n := range htmlquery.QuerySelectorAll(doc, r.under) {
		if n.Type == html.ElementNode {
			out = append(out, AbsoluteXPath(n))
		}
	}
	return out
}

func lookupAttr(attrs map[string]string, name string) (string, bool) {
	if v, ok := attrs[name]; ok {
		return v, true
	}
	for k, v := range attrs {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func underAny(path string, scopes []string) bool {
	for _, s := range scopes {
		if IsUnder(path, s) {
			return true
		}
	}
	return false
}

// Rules is the crawl rule configuration the extractor applies.
type Rules struct {
	Include   []TagRule
	Exclude   []TagRule
	ClickOnce bool
}

// RulesFromConfig compiles the include and exclude rules of a crawl configuration.
func RulesFromConfig(cfg config.CrawlConfig) (Rules, error) {
	rules := Rules{ClickOnce: cfg.ClickOnce}
	for i, rc := range cfg.Include {
		r, err := NewTagRule(rc)
		if err != nil {
			return Rules{}, fmt.Errorf("include rule %d: %w", i, err)
		}
		rules.Include = append(rules.Include, r)
	}
	for i, rc := range cfg.Exclude {
		r, err := NewTagRule(rc)
		if err != nil {
			return Rules{}, fmt.Errorf("exclude rule %d: %w", i, err)
		}
		rules.Exclude = append(rules.Exclude, r)
	}
	return rules, nil
}

// Tags lists the distinct tags the include rules ask for, in rule order.
func (r Rules) Tags() []string {
	seen := make(map[string]struct{})
	var tags []string
	for _, rule := range r.Include {
		if _, ok := seen[rule.Tag]; ok {
			continue
		}
		seen[rule.Tag] = struct{}{}
		tags = append(tags, rule.Tag)
	}
	return tags
}
