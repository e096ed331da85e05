package candidate

import (
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// Locator builds a short XPath for node, anchored on the nearest ancestor
// whose id is unique in doc. Without such an ancestor it is the absolute path.
func Locator(doc, node *html.Node) string {
	if node == nil {
		return ""
	}

	var path []string
	for n := node; n != nil && n.Type != html.DocumentNode; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		if id := htmlquery.SelectAttr(n, "id"); id != "" && uniqueID(doc, id) {
			path = append(path, fmt.Sprintf(`//*[@id='%s']`, id))
			break
		}
		path = append(path, step(n))
	}
	return joinSteps(path)
}

// AbsoluteXPath builds the index-qualified path from the root to node. One
// element is inside another iff its absolute path extends the other's.
func AbsoluteXPath(node *html.Node) string {
	var path []string
	for n := node; n != nil && n.Type != html.DocumentNode; n = n.Parent {
		if n.Type == html.ElementNode {
			path = append(path, step(n))
		}
	}
	return joinSteps(path)
}

// IsUnder reports whether path equals ancestor or lies in its subtree.
func IsUnder(path, ancestor string) bool {
	return path == ancestor || strings.HasPrefix(path, ancestor+"/")
}

func step(n *html.Node) string {
	tag := strings.ToLower(n.Data)
	index := 1
	for prev := n.PrevSibling; prev != nil; prev = prev.PrevSibling {
		if prev.Type == html.ElementNode && strings.ToLower(prev.Data) == tag {
			index++
		}
	}
	return fmt.Sprintf("%s[%d]", tag, index)
}

func joinSteps(path []string) string {
	if len(path) == 0 {
		return "/"
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	xpath := strings.Join(path, "/")
	if !strings.HasPrefix(xpath, "//*[@id=") {
		xpath = "/" + xpath
	}
	return xpath
}

func uniqueID(doc *html.Node, id string) bool {
	if doc == nil || strings.ContainsAny(id, `'"`) {
		return false
	}
	nodes, err := htmlquery.QueryAll(doc, fmt.Sprintf(`//*[@id='%s']`, id))
	return err == nil && len(nodes) == 1
}
