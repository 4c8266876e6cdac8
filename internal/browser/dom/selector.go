// internal/browser/dom/selector.go
package dom

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// MarkerPrefix prefixes every attribute the agent writes onto page elements.
// Such attributes are never used to build selectors.
const MarkerPrefix = "data-pagepilot-"

const maxClassCombination = 3

// UniqueSelector builds a CSS selector that resolves to exactly n. It tries,
// in order, #id, a short tag.class combination, a data-* attribute and
// finally a tag:nth-of-type path anchored at an id'd ancestor or body.
func (d *Document) UniqueSelector(n *html.Node) string {
	if !IsElement(n) {
		return ""
	}
	tag := Tag(n)

	if id := AttrOr(n, "id"); strings.TrimSpace(id) != "" {
		sel := "#" + CSSEscape(id)
		if d.selectsOnly(sel, n) {
			return sel
		}
	}

	if classes := usableClasses(n); len(classes) > 0 {
		limit := len(classes)
		if limit > maxClassCombination {
			limit = maxClassCombination
		}
		for k := 1; k <= limit; k++ {
			sel := tag
			for _, c := range classes[:k] {
				sel += "." + CSSEscape(c)
			}
			if d.selectsOnly(sel, n) {
				return sel
			}
		}
	}

	for _, a := range n.Attr {
		if !strings.HasPrefix(a.Key, "data-") || strings.HasPrefix(a.Key, MarkerPrefix) {
			continue
		}
		if a.Val == "" || len(a.Val) > 80 {
			continue
		}
		sel := fmt.Sprintf(`%s[%s=%s]`, tag, a.Key, cssString(a.Val))
		if d.selectsOnly(sel, n) {
			return sel
		}
	}

	return d.anchoredPath(n)
}

func (d *Document) selectsOnly(sel string, n *html.Node) bool {
	nodes := d.Query(sel)
	return len(nodes) == 1 && nodes[0] == n
}

func usableClasses(n *html.Node) []string {
	var out []string
	for _, c := range strings.Fields(AttrOr(n, "class")) {
		if strings.HasPrefix(c, "pagepilot-") {
			continue
		}
		out = append(out, c)
	}
	return out
}

// anchoredPath walks up to the nearest ancestor with a unique id (or body)
// emitting tag segments with an nth-of-type tie-break where siblings share a tag.
func (d *Document) anchoredPath(n *html.Node) string {
	var segments []string
	for c := n; IsElement(c); c = parentElement(c) {
		if c != n {
			if id := AttrOr(c, "id"); strings.TrimSpace(id) != "" {
				anchor := "#" + CSSEscape(id)
				if d.selectsOnly(anchor, c) {
					segments = append(segments, anchor)
					break
				}
			}
		}
		tag := Tag(c)
		if tag == "body" || tag == "html" {
			segments = append(segments, tag)
			break
		}
		segments = append(segments, segment(c, false))
	}
	reverse(segments)
	return strings.Join(segments, " > ")
}

// PathSelector returns a positional selector from <html> down to n. It does
// not depend on any attribute, so it stays valid while the agent adds and
// removes markers.
func PathSelector(n *html.Node) string {
	var segments []string
	for c := n; IsElement(c); c = parentElement(c) {
		if Tag(c) == "html" {
			segments = append(segments, "html")
			break
		}
		segments = append(segments, segment(c, true))
	}
	reverse(segments)
	return strings.Join(segments, " > ")
}

func segment(n *html.Node, always bool) string {
	tag := Tag(n)
	index, total := 0, 0
	if n.Parent != nil {
		for s := n.Parent.FirstChild; s != nil; s = s.NextSibling {
			if Tag(s) == tag {
				total++
				if s == n {
					index = total
				}
			}
		}
	}
	if total > 1 || (always && index > 0) {
		return tag + ":nth-of-type(" + strconv.Itoa(index) + ")"
	}
	return CSSEscape(tag)
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// CSSEscape escapes an identifier for use in a selector, following CSS.escape.
func CSSEscape(ident string) string {
	var b strings.Builder
	for i, r := range ident {
		switch {
		case r == 0:
			b.WriteString("�")
		case (r >= 0x1 && r <= 0x1f) || r == 0x7f:
			fmt.Fprintf(&b, `\%x `, r)
		case i == 0 && r >= '0' && r <= '9':
			fmt.Fprintf(&b, `\%x `, r)
		case i == 1 && r >= '0' && r <= '9' && ident[0] == '-':
			fmt.Fprintf(&b, `\%x `, r)
		case i == 0 && r == '-' && len(ident) == 1:
			b.WriteString(`\-`)
		case r >= 0x80 || r == '-' || r == '_' ||
			(r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			b.WriteRune(r)
		default:
			b.WriteByte('\\')
			b.WriteRune(r)
		}
	}
	return b.String()
}

// cssString quotes an attribute value for a selector.
func cssString(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\a `)
	return `"` + r.Replace(v) + `"`
}
