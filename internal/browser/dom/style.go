// internal/browser/dom/style.go
package dom

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// Style is the subset of computed style the agent reasons about.
type Style struct {
	Display    string
	Visibility string
	Opacity    string
	FontSize   string
	LineHeight string
	Width      string
	Height     string
}

// FontSizePx returns the computed font size in pixels.
func (s *Style) FontSizePx() float64 {
	v, ok := parsePx(s.FontSize)
	if !ok {
		return defaultFontSize
	}
	return v
}

const defaultFontSize = 16.0

// CapturedProperties are the computed style properties a live capture must request.
var CapturedProperties = []string{"display", "visibility", "opacity", "font-size", "line-height"}

type declaration struct {
	value     string
	important bool
}

type styleRule struct {
	selector    cascadia.Sel
	specificity cascadia.Specificity
	order       int
	decls       map[string]declaration
}

// candidate orders competing declarations for one property.
type candidate struct {
	value       string
	important   bool
	origin      int // 0 user agent, 1 author sheet, 2 inline
	specificity cascadia.Specificity
	order       int
}

func (c candidate) beats(o candidate) bool {
	if c.important != o.important {
		return c.important
	}
	if c.origin != o.origin {
		return c.origin > o.origin
	}
	if c.specificity != o.specificity {
		return o.specificity.Less(c.specificity)
	}
	return c.order > o.order
}

var hiddenByDefault = map[string]bool{
	"head": true, "script": true, "style": true, "template": true, "noscript": true,
	"title": true, "meta": true, "link": true, "base": true, "datalist": true,
	"param": true, "source": true, "track": true,
}

var blockByDefault = map[string]bool{
	"html": true, "body": true, "div": true, "p": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "ul": true, "ol": true, "main": true, "nav": true,
	"header": true, "footer": true, "article": true, "section": true, "aside": true,
	"form": true, "fieldset": true, "figure": true, "blockquote": true, "pre": true,
	"dl": true, "dd": true, "dt": true, "hr": true, "address": true, "details": true,
	"summary": true, "dialog": true,
}

var headingScale = map[string]float64{
	"h1": 2, "h2": 1.5, "h3": 1.17, "h4": 1, "h5": 0.83, "h6": 0.67,
}

var fontKeywords = map[string]float64{
	"xx-small": 9, "x-small": 10, "small": 13, "medium": 16, "large": 18,
	"x-large": 24, "xx-large": 32, "xxx-large": 48,
}

func uaDisplay(n *html.Node) string {
	tag := Tag(n)
	switch {
	case hiddenByDefault[tag]:
		return "none"
	case HasAttr(n, "hidden"):
		return "none"
	case tag == "input" && strings.EqualFold(AttrOr(n, "type"), "hidden"):
		return "none"
	case tag == "li":
		return "list-item"
	case tag == "table":
		return "table"
	case tag == "tr":
		return "table-row"
	case tag == "td" || tag == "th":
		return "table-cell"
	case tag == "img" || tag == "input" || tag == "button" || tag == "select" || tag == "textarea":
		return "inline-block"
	case blockByDefault[tag]:
		return "block"
	}
	return "inline"
}

// ComputedStyle resolves the element's computed style. Live documents return
// the captured values; parsed documents run a small cascade over UA defaults,
// <style> sheets and inline style.
func (d *Document) ComputedStyle(n *html.Node) *Style {
	if d.styles == nil {
		d.styles = make(map[*html.Node]*Style)
	}
	if s, ok := d.styles[n]; ok {
		return s
	}

	var s *Style
	if d.live != nil {
		s = d.liveStyle(n)
	} else {
		s = d.cascade(n)
	}
	d.styles[n] = s
	return s
}

func (d *Document) liveStyle(n *html.Node) *Style {
	s := &Style{Display: "none", Visibility: "visible", Opacity: "1", FontSize: "16px", LineHeight: "normal", Width: "auto", Height: "auto"}
	if l, ok := d.live[n]; ok && l != nil {
		get := func(name, fallback string) string {
			if v, ok := l.Style[name]; ok && v != "" {
				return v
			}
			return fallback
		}
		s.Display = get("display", uaDisplay(n))
		s.Visibility = get("visibility", "visible")
		s.Opacity = get("opacity", "1")
		s.FontSize = get("font-size", "16px")
		s.LineHeight = get("line-height", "normal")
	}
	// Inline overrides applied after capture are not reflected in the
	// captured values, so re-read them from the attribute.
	inline := parseDeclarations(AttrOr(n, "style"))
	if v, ok := inline["font-size"]; ok {
		s.FontSize = d.resolveFontSize(n, v.value)
	}
	if v, ok := inline["line-height"]; ok {
		s.LineHeight = resolveLineHeight(v.value, s.FontSizePx())
	}
	if v, ok := inline["display"]; ok {
		s.Display = v.value
	}
	return s
}

func (d *Document) cascade(n *html.Node) *Style {
	winners := map[string]candidate{}
	offer := func(prop string, c candidate) {
		if cur, ok := winners[prop]; !ok || c.beats(cur) {
			winners[prop] = c
		}
	}

	offer("display", candidate{value: uaDisplay(n)})
	for _, rule := range d.stylesheets() {
		if !rule.selector.Match(n) {
			continue
		}
		for prop, decl := range rule.decls {
			offer(prop, candidate{value: decl.value, important: decl.important, origin: 1, specificity: rule.specificity, order: rule.order})
		}
	}
	for prop, decl := range parseDeclarations(AttrOr(n, "style")) {
		offer(prop, candidate{value: decl.value, important: decl.important, origin: 2})
	}

	parent := parentElement(n)
	var ps *Style
	if parent != nil {
		ps = d.ComputedStyle(parent)
	}

	pick := func(prop string, inherited bool, initial string) string {
		if c, ok := winners[prop]; ok {
			v := strings.ToLower(strings.TrimSpace(c.value))
			if v != "inherit" && v != "unset" && v != "" {
				return c.value
			}
			if v == "unset" && !inherited {
				return initial
			}
			inherited = true
		}
		if inherited && ps != nil {
			switch prop {
			case "visibility":
				return ps.Visibility
			case "line-height":
				return ps.LineHeight
			}
		}
		return initial
	}

	s := &Style{
		Display:    pick("display", false, "inline"),
		Visibility: pick("visibility", true, "visible"),
		Opacity:    normalizeOpacity(pick("opacity", false, "1")),
		Width:      pick("width", false, "auto"),
		Height:     pick("height", false, "auto"),
	}

	if c, ok := winners["font-size"]; ok {
		s.FontSize = d.resolveFontSize(n, c.value)
	} else if scale, isHeading := headingScale[Tag(n)]; isHeading {
		s.FontSize = formatPx(parentFontSize(ps) * scale)
	} else {
		s.FontSize = formatPx(parentFontSize(ps))
	}

	if c, ok := winners["line-height"]; ok && strings.TrimSpace(c.value) != "inherit" {
		s.LineHeight = resolveLineHeight(c.value, s.FontSizePx())
	} else if ps != nil {
		s.LineHeight = ps.LineHeight
	} else {
		s.LineHeight = "normal"
	}
	return s
}

func parentElement(n *html.Node) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if IsElement(p) {
			return p
		}
	}
	return nil
}

func parentFontSize(ps *Style) float64 {
	if ps == nil {
		return defaultFontSize
	}
	return ps.FontSizePx()
}

func (d *Document) resolveFontSize(n *html.Node, raw string) string {
	v := strings.ToLower(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "!important")))
	var base float64 = defaultFontSize
	if p := parentElement(n); p != nil {
		base = d.ComputedStyle(p).FontSizePx()
	}
	if px, ok := fontKeywords[v]; ok {
		return formatPx(px)
	}
	switch v {
	case "smaller":
		return formatPx(base / 1.2)
	case "larger":
		return formatPx(base * 1.2)
	case "inherit", "unset", "":
		return formatPx(base)
	}
	if px, ok := resolveLength(v, base, base); ok {
		return formatPx(px)
	}
	return formatPx(base)
}

func resolveLineHeight(raw string, fontSize float64) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "normal" || v == "" {
		return "normal"
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return formatPx(f * fontSize)
	}
	if px, ok := resolveLength(v, fontSize, fontSize); ok {
		return formatPx(px)
	}
	return "normal"
}

// resolveLength converts px, em, rem, % and pt lengths to pixels. em and %
// resolve against emBase and pctBase respectively.
func resolveLength(v string, emBase, pctBase float64) (float64, bool) {
	num := func(suffix string) (float64, bool) {
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(v, suffix)), 64)
		return f, err == nil
	}
	switch {
	case strings.HasSuffix(v, "rem"):
		f, ok := num("rem")
		return f * defaultFontSize, ok
	case strings.HasSuffix(v, "em"):
		f, ok := num("em")
		return f * emBase, ok
	case strings.HasSuffix(v, "px"):
		return num("px")
	case strings.HasSuffix(v, "pt"):
		f, ok := num("pt")
		return f * 4.0 / 3.0, ok
	case strings.HasSuffix(v, "%"):
		f, ok := num("%")
		return f / 100 * pctBase, ok
	case v == "0":
		return 0, true
	}
	return 0, false
}

func parsePx(v string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(v), "px"), 64)
	return f, err == nil
}

// formatPx renders a pixel length the way getComputedStyle does.
func formatPx(v float64) string {
	v = math.Round(v*1000) / 1000
	return strconv.FormatFloat(v, 'f', -1, 64) + "px"
}

func normalizeOpacity(v string) string {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return "1"
	}
	return strconv.FormatFloat(math.Max(0, math.Min(1, f)), 'f', -1, 64)
}

// -- Stylesheet Parsing --

func (d *Document) stylesheets() []styleRule {
	if d.parsed {
		return d.sheets
	}
	d.parsed = true
	order := 0
	walk(d.root, func(n *html.Node) bool {
		if Tag(n) != "style" {
			return true
		}
		for _, r := range parseStylesheet(TextContent(n)) {
			group, err := cascadia.ParseGroup(r.selector)
			if err != nil {
				continue
			}
			for _, sel := range group {
				if sel.PseudoElement() != "" {
					continue
				}
				d.sheets = append(d.sheets, styleRule{selector: sel, specificity: sel.Specificity(), order: order, decls: r.decls})
				order++
			}
		}
		return false
	})
	sort.SliceStable(d.sheets, func(i, j int) bool { return d.sheets[i].order < d.sheets[j].order })
	return d.sheets
}

type rawRule struct {
	selector string
	decls    map[string]declaration
}

// parseStylesheet extracts top-level style rules. At-rules (media queries,
// keyframes, font faces) are skipped whole.
func parseStylesheet(css string) []rawRule {
	css = stripComments(css)
	var rules []rawRule
	i := 0
	for i < len(css) {
		open := strings.IndexByte(css[i:], '{')
		if open < 0 {
			break
		}
		prelude := strings.TrimSpace(css[i : i+open])
		end := matchBrace(css, i+open)
		body := css[i+open+1 : end]
		i = end + 1

		if strings.HasPrefix(prelude, "@") {
			continue
		}
		// A stray ';' from a preceding at-statement (e.g. @import) ends up in the prelude.
		if semi := strings.LastIndexByte(prelude, ';'); semi >= 0 {
			prelude = strings.TrimSpace(prelude[semi+1:])
		}
		if prelude == "" {
			continue
		}
		rules = append(rules, rawRule{selector: prelude, decls: parseDeclarations(body)})
	}
	return rules
}

func matchBrace(s string, open int) int {
	depth := 0
	for j := open; j < len(s); j++ {
		switch s[j] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return len(s) - 1
}

func stripComments(css string) string {
	var b strings.Builder
	for {
		start := strings.Index(css, "/*")
		if start < 0 {
			b.WriteString(css)
			return b.String()
		}
		b.WriteString(css[:start])
		end := strings.Index(css[start+2:], "*/")
		if end < 0 {
			return b.String()
		}
		css = css[start+2+end+2:]
	}
}

// parseDeclarations parses "prop: value [!important]; ..." with property names lowercased.
func parseDeclarations(block string) map[string]declaration {
	out := map[string]declaration{}
	depth := 0
	start := 0
	flush := func(part string) {
		colon := strings.IndexByte(part, ':')
		if colon < 0 {
			return
		}
		prop := strings.ToLower(strings.TrimSpace(part[:colon]))
		val := strings.TrimSpace(part[colon+1:])
		if prop == "" || val == "" {
			return
		}
		decl := declaration{value: val}
		if idx := strings.Index(strings.ToLower(val), "!important"); idx >= 0 {
			decl.value = strings.TrimSpace(val[:idx])
			decl.important = true
		}
		if prev, ok := out[prop]; ok && prev.important && !decl.important {
			return
		}
		out[prop] = decl
	}
	for i := 0; i < len(block); i++ {
		switch block[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ';':
			if depth == 0 {
				flush(block[start:i])
				start = i + 1
			}
		}
	}
	flush(block[start:])
	return out
}

// InlineStyle returns the value of one property from the element's style attribute.
func InlineStyle(n *html.Node, prop string) (string, bool) {
	decl, ok := parseDeclarations(AttrOr(n, "style"))[strings.ToLower(prop)]
	return decl.value, ok
}

// WithInlineStyle returns a style attribute value with the given properties
// set (or removed when the value is ""), preserving the others in order.
func WithInlineStyle(style string, set map[string]string) string {
	type kv struct{ k, v string }
	var kept []kv
	seen := map[string]bool{}
	for _, part := range strings.Split(style, ";") {
		colon := strings.IndexByte(part, ':')
		if colon < 0 {
			continue
		}
		k := strings.ToLower(strings.TrimSpace(part[:colon]))
		v := strings.TrimSpace(part[colon+1:])
		if k == "" {
			continue
		}
		if nv, ok := set[k]; ok {
			if !seen[k] && nv != "" {
				kept = append(kept, kv{k, nv})
			}
			seen[k] = true
			continue
		}
		kept = append(kept, kv{k, v})
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !seen[k] && set[k] != "" {
			kept = append(kept, kv{k, set[k]})
		}
	}
	parts := make([]string, len(kept))
	for i, p := range kept {
		parts[i] = p.k + ": " + p.v
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "; ") + ";"
}
