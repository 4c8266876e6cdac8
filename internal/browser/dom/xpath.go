// internal/browser/dom/xpath.go
package dom

import (
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// GenerateUniqueXPath builds an XPath for node, anchored at the nearest
// ancestor-or-self whose id is unique in the document.
func GenerateUniqueXPath(node *html.Node) string {
	if node == nil {
		return ""
	}
	root := node
	for root.Parent != nil {
		root = root.Parent
	}

	var path []string
	for n := node; n != nil && n.Type != html.DocumentNode; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		tag := strings.ToLower(n.Data)
		if tag == "" {
			continue
		}

		if id := htmlquery.SelectAttr(n, "id"); id != "" {
			anchor := fmt.Sprintf(`//*[@id=%s]`, xpathLiteral(id))
			if len(htmlquery.Find(root, anchor)) == 1 {
				path = append(path, anchor)
				break
			}
		}

		// XPath indices are 1-based.
		index := 1
		for prev := n.PrevSibling; prev != nil; prev = prev.PrevSibling {
			if prev.Type == html.ElementNode && strings.ToLower(prev.Data) == tag {
				index++
			}
		}
		path = append(path, fmt.Sprintf("%s[%d]", tag, index))
	}

	if len(path) == 0 {
		return "/"
	}
	reverse(path)

	xpath := strings.Join(path, "/")
	if !strings.HasPrefix(xpath, "//*[@id=") {
		xpath = "/" + xpath
	}
	return xpath
}

// xpathLiteral quotes a string for XPath 1.0, which has no escape syntax.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = "'" + p + "'"
	}
	return "concat(" + strings.Join(quoted, `, "'", `) + ")"
}
