// internal/browser/dom/query.go
package dom

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// IsXPath reports whether a selector should be evaluated as XPath rather than CSS.
func IsXPath(selector string) bool {
	s := strings.TrimSpace(selector)
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, "(/") || strings.HasPrefix(s, "./")
}

// Query resolves a CSS selector or XPath expression to element nodes in
// document order. Invalid selectors resolve to nothing.
func (d *Document) Query(selector string) []*html.Node {
	return d.QueryWithin(d.root, selector)
}

// QueryOne returns the first match, or nil.
func (d *Document) QueryOne(selector string) *html.Node {
	nodes := d.Query(selector)
	if len(nodes) == 0 {
		return nil
	}
	return nodes[0]
}

// QueryWithin resolves a selector against the subtree rooted at scope.
func (d *Document) QueryWithin(scope *html.Node, selector string) []*html.Node {
	selector = strings.TrimSpace(selector)
	if selector == "" || scope == nil {
		return nil
	}

	if IsXPath(selector) {
		nodes, err := htmlquery.QueryAll(scope, selector)
		if err != nil {
			return nil
		}
		out := nodes[:0]
		for _, n := range nodes {
			if IsElement(n) {
				out = append(out, n)
			}
		}
		return out
	}

	// goquery swallows selector compile errors into an empty selection.
	return goquery.NewDocumentFromNode(scope).Find(selector).Nodes
}

// Matches reports whether the element matches a CSS selector group.
func Matches(n *html.Node, selector string) bool {
	group, err := cascadia.ParseGroup(selector)
	if err != nil {
		return false
	}
	return group.Match(n)
}

// ClosestMatching returns the nearest ancestor-or-self matching the compiled group.
func ClosestMatching(n *html.Node, group cascadia.SelectorGroup) *html.Node {
	for c := n; c != nil; c = c.Parent {
		if IsElement(c) && group.Match(c) {
			return c
		}
	}
	return nil
}
