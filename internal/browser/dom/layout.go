// internal/browser/dom/layout.go
package dom

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// replacedSize holds intrinsic default sizes for elements that render a box
// regardless of content.
var replacedSize = map[string]Rect{
	"img":      {Width: 100, Height: 100},
	"input":    {Width: 150, Height: 21},
	"textarea": {Width: 180, Height: 36},
	"select":   {Width: 120, Height: 21},
	"button":   {Width: 60, Height: 21},
	"iframe":   {Width: 300, Height: 150},
	"video":    {Width: 300, Height: 150},
	"canvas":   {Width: 300, Height: 150},
	"svg":      {Width: 300, Height: 150},
	"embed":    {Width: 300, Height: 150},
	"object":   {Width: 300, Height: 150},
	"hr":       {Width: 100, Height: 2},
	"progress": {Width: 160, Height: 16},
	"meter":    {Width: 80, Height: 16},
}

// IsRendered reports whether the element generates a box at all: neither it
// nor any ancestor computes to display:none.
func (d *Document) IsRendered(n *html.Node) bool {
	if !IsElement(n) {
		return false
	}
	if d.live != nil {
		if _, ok := d.live[n]; !ok {
			return false
		}
	}
	for c := n; c != nil; c = parentElement(c) {
		if strings.EqualFold(strings.TrimSpace(d.ComputedStyle(c).Display), "none") {
			return false
		}
	}
	return true
}

// BoundingBox returns the element's border box. Live documents report the
// captured bounds; parsed documents get an estimate that is only reliable about
// whether the box is empty.
func (d *Document) BoundingBox(n *html.Node) Rect {
	if !d.IsRendered(n) {
		return Rect{}
	}
	if d.live != nil {
		if l := d.live[n]; l != nil {
			return l.Bounds
		}
		return Rect{}
	}
	return d.estimateBox(n)
}

func (d *Document) estimateBox(n *html.Node) Rect {
	s := d.ComputedStyle(n)
	w, wok := resolveLength(strings.ToLower(strings.TrimSpace(s.Width)), s.FontSizePx(), float64(d.viewport.Width))
	h, hok := resolveLength(strings.ToLower(strings.TrimSpace(s.Height)), s.FontSizePx(), float64(d.viewport.Height))
	if (wok && w == 0) || (hok && h == 0) {
		return Rect{}
	}

	tag := Tag(n)
	if base, ok := replacedSize[tag]; ok {
		if tag == "img" && AttrOr(n, "src") == "" && AttrOr(n, "srcset") == "" {
			return Rect{}
		}
		box := base
		if v, err := strconv.ParseFloat(AttrOr(n, "width"), 64); err == nil {
			box.Width = v
		}
		if v, err := strconv.ParseFloat(AttrOr(n, "height"), 64); err == nil {
			box.Height = v
		}
		if wok {
			box.Width = w
		}
		if hok {
			box.Height = h
		}
		return box
	}

	if !d.hasRenderedContent(n) {
		if wok && hok {
			return Rect{Width: w, Height: h}
		}
		return Rect{}
	}

	box := Rect{Width: float64(d.viewport.Width), Height: lineBoxHeight(s)}
	if wok {
		box.Width = w
	}
	if hok {
		box.Height = h
	}
	return box
}

// hasRenderedContent reports whether the subtree contains visible text or a
// rendered replaced element.
func (d *Document) hasRenderedContent(n *html.Node) bool {
	found := false
	walk(n, func(c *html.Node) bool {
		if found {
			return false
		}
		switch c.Type {
		case html.TextNode:
			if strings.TrimSpace(c.Data) != "" {
				found = true
			}
			return false
		case html.ElementNode:
			if c != n {
				if !d.IsRendered(c) {
					return false
				}
				if _, replaced := replacedSize[Tag(c)]; replaced && d.estimateBox(c).Area() > 0 {
					found = true
					return false
				}
			}
		}
		return true
	})
	return found
}

func lineBoxHeight(s *Style) float64 {
	if v, ok := parsePx(s.LineHeight); ok {
		return v
	}
	return s.FontSizePx() * 1.2
}
