// internal/browser/dom/document.go
package dom

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"golang.org/x/net/html"
)

// DefaultViewport is used when a document carries no viewport of its own.
var DefaultViewport = schemas.Viewport{Width: 1280, Height: 800}

// Rect is an element's border box in CSS pixels.
type Rect struct {
	X, Y, Width, Height float64
}

// Area returns the box's area.
func (r Rect) Area() float64 { return r.Width * r.Height }

// Layout is what a live capture knows about one rendered node.
type Layout struct {
	Bounds Rect
	// Style holds computed values keyed by CSS property name.
	Style map[string]string
}

// Document is a DOM tree plus everything the serializer and executor need to
// reason about it: computed style, geometry, selector resolution and a journal
// of the mutations applied to it.
//
// A Document is not safe for concurrent use.
type Document struct {
	root     *html.Node
	url      string
	title    string
	viewport schemas.Viewport

	// live is set when the tree came from a browser capture. A node that is
	// absent from it has no layout object, which means it is not rendered.
	live map[*html.Node]*Layout

	props     map[*html.Node]map[string]string
	listeners map[*html.Node]map[string][]Listener
	journal   []Mutation

	// Caches, dropped on every mutation.
	order  map[*html.Node]int
	styles map[*html.Node]*Style
	sheets []styleRule
	parsed bool
}

// Option configures a Document.
type Option func(*Document)

// WithURL sets the document URL.
func WithURL(u string) Option { return func(d *Document) { d.url = u } }

// WithTitle overrides the title taken from <title>.
func WithTitle(t string) Option { return func(d *Document) { d.title = t } }

// WithViewport sets the viewport size.
func WithViewport(v schemas.Viewport) Option { return func(d *Document) { d.viewport = v } }

// WithLayout attaches captured computed style and bounds. Nodes missing from
// the map are treated as not rendered.
func WithLayout(l map[*html.Node]*Layout) Option { return func(d *Document) { d.live = l } }

// NewDocument wraps an already built tree. root should be an html.DocumentNode.
func NewDocument(root *html.Node, opts ...Option) *Document {
	d := &Document{
		root:      root,
		viewport:  DefaultViewport,
		props:     make(map[*html.Node]map[string]string),
		listeners: make(map[*html.Node]map[string][]Listener),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.title == "" {
		if t := d.firstElement("title"); t != nil {
			d.title = CollapseSpace(TextContent(t))
		}
	}
	return d
}

// Parse builds a Document from HTML source.
func Parse(r io.Reader, opts ...Option) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}
	return NewDocument(root, opts...), nil
}

// ParseString is Parse for an in-memory string.
func ParseString(src string, opts ...Option) (*Document, error) {
	return Parse(strings.NewReader(src), opts...)
}

func (d *Document) Root() *html.Node           { return d.root }
func (d *Document) URL() string                { return d.url }
func (d *Document) Title() string              { return d.title }
func (d *Document) Viewport() schemas.Viewport { return d.viewport }

// IsLive reports whether style and geometry come from a browser capture.
func (d *Document) IsLive() bool { return d.live != nil }

// Body returns the <body> element, or nil.
func (d *Document) Body() *html.Node { return d.firstElement("body") }

// Head returns the <head> element, or nil.
func (d *Document) Head() *html.Node { return d.firstElement("head") }

func (d *Document) firstElement(tag string) *html.Node {
	var found *html.Node
	walk(d.root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n.Type == html.ElementNode && n.Data == tag {
			found = n
			return false
		}
		return true
	})
	return found
}

// Prop returns a non-attribute DOM property recorded on the node (e.g. "paused").
func (d *Document) Prop(n *html.Node, name string) string {
	return d.props[n][name]
}

func (d *Document) setProp(n *html.Node, name, value string) {
	if d.props[n] == nil {
		d.props[n] = make(map[string]string)
	}
	d.props[n][name] = value
}

// -- Document Order --

// position returns the node's pre-order index.
func (d *Document) position(n *html.Node) int {
	if d.order == nil {
		d.order = make(map[*html.Node]int)
		i := 0
		walk(d.root, func(n *html.Node) bool {
			d.order[n] = i
			i++
			return true
		})
	}
	if p, ok := d.order[n]; ok {
		return p
	}
	return -1
}

// Precedes reports whether a comes before b in document order.
func (d *Document) Precedes(a, b *html.Node) bool {
	return d.position(a) < d.position(b)
}

// SortDocumentOrder sorts nodes in place by document position.
func (d *Document) SortDocumentOrder(nodes []*html.Node) {
	sort.SliceStable(nodes, func(i, j int) bool { return d.Precedes(nodes[i], nodes[j]) })
}

func (d *Document) invalidate() {
	d.order = nil
	d.styles = nil
	d.parsed = false
	d.sheets = nil
}

// -- Node Helpers --

// walk visits n and its descendants in document order. Returning false from
// fn skips the node's children.
func walk(n *html.Node, fn func(*html.Node) bool) {
	if n == nil {
		return
	}
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

// Walk visits n and its descendants in document order. Returning false from
// fn skips the node's children.
func Walk(n *html.Node, fn func(*html.Node) bool) { walk(n, fn) }

// IsElement reports whether n is an element node.
func IsElement(n *html.Node) bool { return n != nil && n.Type == html.ElementNode }

// Tag returns the lowercase tag name of an element.
func Tag(n *html.Node) string {
	if !IsElement(n) {
		return ""
	}
	return strings.ToLower(n.Data)
}

// Attr returns the attribute value and whether it is present.
func Attr(n *html.Node, key string) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

// AttrOr returns the attribute value or "".
func AttrOr(n *html.Node, key string) string {
	v, _ := Attr(n, key)
	return v
}

// HasAttr reports whether the attribute is present, including bare boolean attributes.
func HasAttr(n *html.Node, key string) bool {
	_, ok := Attr(n, key)
	return ok
}

// TextContent concatenates all descendant text, like Node.textContent.
func TextContent(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		return true
	})
	return b.String()
}

// blockTags break the text flow when rendered.
var blockTags = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true, "br": true, "caption": true,
	"dd": true, "details": true, "div": true, "dl": true, "dt": true, "fieldset": true, "figcaption": true,
	"figure": true, "footer": true, "form": true, "h1": true, "h2": true, "h3": true, "h4": true,
	"h5": true, "h6": true, "header": true, "hr": true, "li": true, "main": true, "nav": true,
	"ol": true, "option": true, "p": true, "pre": true, "section": true, "summary": true, "table": true,
	"tbody": true, "td": true, "tfoot": true, "th": true, "thead": true, "tr": true, "ul": true,
}

// ReadableText is TextContent with a space at block and table-cell
// boundaries: <ul><li>A</li><li>B</li></ul> reads "A B", not "AB".
func ReadableText(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(c *html.Node) {
		switch c.Type {
		case html.TextNode:
			b.WriteString(c.Data)
			return
		case html.ElementNode:
			if blockTags[c.Data] {
				b.WriteByte(' ')
				defer b.WriteByte(' ')
			}
		}
		for k := c.FirstChild; k != nil; k = k.NextSibling {
			visit(k)
		}
	}
	if n != nil {
		visit(n)
	}
	return b.String()
}

// DirectText concatenates only the node's own text children.
func DirectText(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			b.WriteByte(' ')
		}
	}
	return b.String()
}

// CollapseSpace trims and folds all whitespace runs to one space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Ancestors returns the element ancestors of n, nearest first.
func Ancestors(n *html.Node) []*html.Node {
	var out []*html.Node
	for p := n.Parent; p != nil; p = p.Parent {
		if IsElement(p) {
			out = append(out, p)
		}
	}
	return out
}

// SelectOptions lists the <option> descendants of a select control. A missing
// value attribute falls back to the option text.
func SelectOptions(sel *html.Node) []schemas.SelectOption {
	var opts []schemas.SelectOption
	walk(sel, func(n *html.Node) bool {
		if Tag(n) != "option" {
			return true
		}
		text := CollapseSpace(TextContent(n))
		value, ok := Attr(n, "value")
		if !ok {
			value = text
		}
		opts = append(opts, schemas.SelectOption{Value: value, Text: text, Selected: HasAttr(n, "selected")})
		return false
	})
	return opts
}

// Value returns the current form value of an input, textarea or select.
func Value(n *html.Node) string {
	switch Tag(n) {
	case "textarea":
		return TextContent(n)
	case "select":
		opts := SelectOptions(n)
		for _, o := range opts {
			if o.Selected {
				return o.Value
			}
		}
		if len(opts) > 0 {
			return opts[0].Value
		}
		return ""
	default:
		return AttrOr(n, "value")
	}
}
