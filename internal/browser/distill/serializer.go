// internal/browser/distill/serializer.go
package distill

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/browser/dom"
)

// ErrNoDocument is returned when the page has no body to serialize.
var ErrNoDocument = errors.New("page has no document body")

const (
	maxTextRunes = 100
	maxOptions   = 10
)

// curatedSelectors is the union of semantically relevant elements a snapshot
// considers. A node may match several entries.
var curatedSelectors = []string{
	"h1, h2, h3, h4, h5, h6",
	"p",
	"a[href]",
	"button",
	"[role=button]",
	"input[type=submit]",
	"input:not([type=hidden])",
	"textarea",
	"select",
	"img[alt]",
	"img[src]",
	"main, nav, header, footer, aside, article, section, form",
	"[role=main], [role=navigation], [role=banner], [role=contentinfo], [role=search], [role=complementary]",
	"label",
	"ul, ol, li",
	"table, th",
}

// strippedFromText are subtrees excluded from fullText.
var strippedFromText = map[string]bool{
	"script": true, "style": true, "noscript": true, "svg": true, "iframe": true, "template": true,
}

var interactiveRoles = map[string]bool{
	"button": true, "link": true, "checkbox": true, "radio": true, "tab": true,
	"menuitem": true, "switch": true, "option": true, "combobox": true, "textbox": true,
	"searchbox": true, "slider": true,
}

// Serializer turns a page into a PageSnapshot. It never mutates the page.
type Serializer struct {
	logger *zap.Logger
}

// NewSerializer creates a Serializer.
func NewSerializer(logger *zap.Logger) *Serializer {
	return &Serializer{logger: logger.Named("distill")}
}

// Capture reads the page's current document and serializes it. A failure here
// means the caller should proceed without page state.
func (s *Serializer) Capture(ctx context.Context, page dom.Page) (*schemas.PageSnapshot, error) {
	doc, err := page.Document(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read page document: %w", err)
	}
	snap, err := s.Snapshot(doc)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Captured page snapshot",
		zap.String("url", snap.URL),
		zap.Int("elements", len(snap.Elements)),
		zap.Int("interactive", snap.Summary.InteractiveTotal))
	return snap, nil
}

// Snapshot serializes an already loaded document.
func (s *Serializer) Snapshot(doc *dom.Document) (*schemas.PageSnapshot, error) {
	if doc == nil || doc.Body() == nil {
		return nil, ErrNoDocument
	}

	snap := &schemas.PageSnapshot{
		URL:      doc.URL(),
		Title:    doc.Title(),
		Viewport: doc.Viewport(),
		Elements: []schemas.ElementDescriptor{},
	}
	if meta := doc.QueryOne("meta[name=description]"); meta != nil {
		snap.MetaDescription = dom.CollapseSpace(dom.AttrOr(meta, "content"))
	}

	for _, n := range collect(doc) {
		if !isVisible(doc, n) {
			continue
		}
		desc := describe(doc, n)
		desc.Index = len(snap.Elements)
		snap.Elements = append(snap.Elements, desc)
		tally(&snap.Summary, desc)
	}

	snap.FullText = FullText(doc.Body())
	return snap, nil
}

// collect runs the curated queries, drops duplicates and restores document order.
func collect(doc *dom.Document) []*html.Node {
	seen := make(map[*html.Node]bool)
	var nodes []*html.Node
	for _, sel := range curatedSelectors {
		for _, n := range doc.Query(sel) {
			if seen[n] {
				continue
			}
			seen[n] = true
			nodes = append(nodes, n)
		}
	}
	doc.SortDocumentOrder(nodes)
	return nodes
}

func isVisible(doc *dom.Document, n *html.Node) bool {
	if !doc.IsRendered(n) {
		return false
	}
	style := doc.ComputedStyle(n)
	if strings.EqualFold(style.Visibility, "hidden") {
		return false
	}
	if strings.TrimSpace(style.Opacity) == "0" {
		return false
	}
	return doc.BoundingBox(n).Area() > 0
}

func describe(doc *dom.Document, n *html.Node) schemas.ElementDescriptor {
	tag := dom.Tag(n)
	desc := schemas.ElementDescriptor{
		Selector:      doc.UniqueSelector(n),
		XPath:         dom.GenerateUniqueXPath(n),
		Tag:           tag,
		IsVisible:     true,
		IsInteractive: isInteractive(n),
		Text:          elementText(n),
		Role:          dom.AttrOr(n, "role"),
		Placeholder:   dom.AttrOr(n, "placeholder"),
		AriaLabel:     dom.AttrOr(n, "aria-label"),
	}

	switch tag {
	case "input":
		desc.Type = strings.ToLower(dom.AttrOr(n, "type"))
		if desc.Type == "" {
			desc.Type = "text"
		}
		if desc.Type != "password" {
			desc.Value = dom.Value(n)
		}
	case "textarea":
		desc.Value = truncate(dom.Value(n))
	case "select":
		desc.Value = dom.Value(n)
		opts := dom.SelectOptions(n)
		if len(opts) > maxOptions {
			desc.OptionsOverflow = len(opts) - maxOptions
			opts = opts[:maxOptions]
		}
		desc.Options = opts
	case "button":
		desc.Type = strings.ToLower(dom.AttrOr(n, "type"))
	case "a":
		desc.Href = linkTarget(doc.URL(), dom.AttrOr(n, "href"))
	case "img":
		desc.Src = dom.AttrOr(n, "src")
		desc.Alt = dom.AttrOr(n, "alt")
	}
	return desc
}

// elementText prefers the element's own text over its subtree text.
func elementText(n *html.Node) string {
	text := dom.CollapseSpace(dom.DirectText(n))
	if text == "" {
		text = dom.CollapseSpace(dom.ReadableText(n))
	}
	return truncate(text)
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxTextRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxTextRunes])
}

func isInteractive(n *html.Node) bool {
	switch dom.Tag(n) {
	case "a":
		return dom.HasAttr(n, "href")
	case "button", "select", "textarea", "summary":
		return true
	case "input":
		return !strings.EqualFold(dom.AttrOr(n, "type"), "hidden")
	}
	if interactiveRoles[strings.ToLower(dom.AttrOr(n, "role"))] {
		return true
	}
	if dom.HasAttr(n, "onclick") {
		return true
	}
	return strings.EqualFold(dom.AttrOr(n, "contenteditable"), "true")
}

// linkTarget returns an absolute or root-relative link, or "" for javascript:
// links and unparseable values.
func linkTarget(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if ref.IsAbs() || strings.HasPrefix(href, "/") {
		return href
	}
	if b, err := url.Parse(base); err == nil && b.IsAbs() {
		return b.ResolveReference(ref).String()
	}
	return href
}

func tally(sum *schemas.PageSummary, desc schemas.ElementDescriptor) {
	role := strings.ToLower(desc.Role)
	switch desc.Tag {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		sum.Headings++
	case "a":
		sum.Links++
	case "button":
		sum.Buttons++
	case "input":
		switch desc.Type {
		case "submit", "button", "reset", "image":
			sum.Buttons++
		default:
			sum.Inputs++
		}
	case "textarea", "select":
		sum.Inputs++
	case "img":
		sum.Images++
	default:
		if role == "button" {
			sum.Buttons++
		}
	}
	if desc.IsInteractive {
		sum.InteractiveTotal++
	}
}

// FullText returns the whitespace-normalized text of the subtree with
// non-content elements removed. Runs of spaces fold to one and blank lines
// are dropped.
func FullText(root *html.Node) string {
	var b strings.Builder
	dom.Walk(root, func(n *html.Node) bool {
		if strippedFromText[dom.Tag(n)] {
			return false
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		return true
	})

	var lines []string
	for _, line := range strings.Split(b.String(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
