// internal/browser/interact/markers.go
package interact

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/browser/dom"
)

// Marker attributes. The node itself carries everything needed to undo a change.
const (
	attrHighlight       = dom.MarkerPrefix + "highlight"
	attrMagnified       = dom.MarkerPrefix + "magnified"
	attrOrigFontSize    = dom.MarkerPrefix + "orig-font-size"
	attrOrigLineHeight  = dom.MarkerPrefix + "orig-line-height"
	attrOrigStyle       = dom.MarkerPrefix + "orig-style"
	attrOrigStyleAbsent = dom.MarkerPrefix + "orig-style-absent"
	attrClutter         = dom.MarkerPrefix + "clutter"
	attrClutterStyle    = dom.MarkerPrefix + "clutter-style"
	attrClutterAbsent   = dom.MarkerPrefix + "clutter-style-absent"

	clutterHidden = "hidden"
	clutterMedia  = "media"
)

// HighlightStyleID is the id of the injected highlight stylesheet.
const HighlightStyleID = "pagepilot-highlight-style"

const highlightCSS = `[` + attrHighlight + `] {
  outline: 3px solid #f59e0b !important;
  outline-offset: 3px !important;
  box-shadow: 0 0 0 6px rgba(245, 158, 11, 0.35) !important;
  border-radius: 4px;
  animation: pagepilot-pulse 1.2s ease-in-out 2;
}
@keyframes pagepilot-pulse {
  50% { box-shadow: 0 0 0 12px rgba(245, 158, 11, 0.15); }
}`

// clutterSelectors are common distraction patterns: ads, banners, popups,
// cookie prompts, newsletter boxes, share widgets and autoplaying video.
var clutterSelectors = strings.Join([]string{
	`[class^="ad-"]`, `[class*=" ad-"]`, `[id^="ad-"]`, `.ad`, `.ads`, `.advert`, `.advertisement`,
	`ins.adsbygoogle`, `[id*="google_ads"]`, `iframe[src*="doubleclick"]`,
	`[class*="banner"]`, `[class*="popup"]`, `[class*="modal"]`, `[role="dialog"][aria-modal="true"]`,
	`[class*="cookie"]`, `[id*="cookie"]`, `[class*="consent"]`, `[id*="consent"]`,
	`[class*="newsletter"]`, `[class*="social-share"]`, `[class*="share-buttons"]`,
	`video[autoplay]`,
}, ", ")

// landmarks are never decluttered, nor is anything inside them.
var landmarks = func() cascadia.SelectorGroup {
	g, err := cascadia.ParseGroup(`main, article, nav, header, [role="main"], [role="navigation"], [role="banner"], [role="article"]`)
	if err != nil {
		panic(err)
	}
	return g
}()

// -- Highlight --

func highlight(doc *dom.Document, n *html.Node) {
	clearHighlights(doc)
	if doc.QueryOne("style#"+HighlightStyleID) == nil {
		doc.InsertStyle(HighlightStyleID, highlightCSS)
	}
	doc.SetAttr(n, attrHighlight, "true")
}

func unhighlight(doc *dom.Document, n *html.Node) {
	if dom.HasAttr(n, attrHighlight) {
		doc.RemoveAttr(n, attrHighlight)
	}
	if len(doc.Query("["+attrHighlight+"]")) == 0 {
		removeHighlightStyle(doc)
	}
}

func clearHighlights(doc *dom.Document) int {
	marked := doc.Query("[" + attrHighlight + "]")
	for _, n := range marked {
		doc.RemoveAttr(n, attrHighlight)
	}
	return len(marked)
}

func removeHighlightStyle(doc *dom.Document) {
	if style := doc.QueryOne("style#" + HighlightStyleID); style != nil {
		doc.RemoveElement(style)
	}
}

func (e *Executor) handleHighlight(ctx context.Context, action schemas.Action) Result {
	a, _ := as[schemas.HighlightAction](action)
	return e.mutate(ctx, func(doc *dom.Document) Result {
		n, miss := resolve(doc, a.Target)
		if miss != nil {
			return *miss
		}
		highlight(doc, n)
		e.highlightGen++
		return ok("Highlighted %s", describeNode(n))
	})
}

func (e *Executor) handleRemoveHighlights(ctx context.Context, _ schemas.Action) Result {
	return e.mutate(ctx, func(doc *dom.Document) Result {
		count := clearHighlights(doc)
		removeHighlightStyle(doc)
		e.highlightGen++
		res := ok("Removed %d highlight(s)", count)
		res.Count = count
		return res
	})
}

// -- Magnify --

// saveStyle records the element's style attribute, or its absence, under the given keys.
func saveStyle(doc *dom.Document, n *html.Node, styleKey, absentKey string) {
	if style, present := dom.Attr(n, "style"); present {
		doc.SetAttr(n, styleKey, style)
	} else {
		doc.SetAttr(n, absentKey, "true")
	}
}

// restoreStyle puts back exactly what saveStyle recorded and drops the record.
func restoreStyle(doc *dom.Document, n *html.Node, styleKey, absentKey string) {
	if dom.HasAttr(n, absentKey) {
		doc.RemoveAttr(n, "style")
		doc.RemoveAttr(n, absentKey)
	} else if orig, present := dom.Attr(n, styleKey); present {
		doc.SetAttr(n, "style", orig)
		doc.RemoveAttr(n, styleKey)
	}
}

func originalStyle(n *html.Node, styleKey, absentKey string) string {
	if dom.HasAttr(n, absentKey) {
		return ""
	}
	return dom.AttrOr(n, styleKey)
}

func (e *Executor) handleMagnify(ctx context.Context, action schemas.Action) Result {
	a, _ := as[schemas.MagnifyAction](action)
	scale := a.ScaleFactor
	if scale <= 0 {
		scale = e.cfg.MagnifyScale
	}
	return e.mutate(ctx, func(doc *dom.Document) Result {
		n, miss := resolve(doc, a.Target)
		if miss != nil {
			return *miss
		}

		// Re-magnifying scales from the recorded original, never compounds.
		if !dom.HasAttr(n, attrMagnified) {
			style := doc.ComputedStyle(n)
			saveStyle(doc, n, attrOrigStyle, attrOrigStyleAbsent)
			doc.SetAttr(n, attrOrigFontSize, style.FontSize)
			doc.SetAttr(n, attrOrigLineHeight, style.LineHeight)
			doc.SetAttr(n, attrMagnified, "true")
		}

		set := map[string]string{}
		fontPx, _ := parsePx(dom.AttrOr(n, attrOrigFontSize))
		if fontPx <= 0 {
			fontPx = 16
		}
		set["font-size"] = formatPx(fontPx * scale)
		if lh, isPx := parsePx(dom.AttrOr(n, attrOrigLineHeight)); isPx {
			set["line-height"] = formatPx(lh * scale)
		}
		doc.SetAttr(n, "style", dom.WithInlineStyle(originalStyle(n, attrOrigStyle, attrOrigStyleAbsent), set))
		return ok("Magnified %s by %sx", describeNode(n), strconv.FormatFloat(scale, 'f', -1, 64))
	})
}

func (e *Executor) handleResetMagnification(ctx context.Context, _ schemas.Action) Result {
	return e.mutate(ctx, func(doc *dom.Document) Result {
		magnified := doc.Query("[" + attrMagnified + "]")
		for _, n := range magnified {
			restoreStyle(doc, n, attrOrigStyle, attrOrigStyleAbsent)
			doc.RemoveAttr(n, attrOrigFontSize)
			doc.RemoveAttr(n, attrOrigLineHeight)
			doc.RemoveAttr(n, attrMagnified)
		}
		res := ok("Reset magnification on %d element(s)", len(magnified))
		res.Count = len(magnified)
		return res
	})
}

func parsePx(v string) (float64, bool) {
	v = strings.TrimSpace(v)
	if !strings.HasSuffix(v, "px") {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSuffix(v, "px"), 64)
	return f, err == nil
}

func formatPx(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64) + "px"
}

// -- Clutter --

func insideLandmark(n *html.Node) bool {
	return dom.ClosestMatching(n, landmarks) != nil
}

func (e *Executor) handleRemoveClutter(ctx context.Context, _ schemas.Action) Result {
	return e.mutate(ctx, func(doc *dom.Document) Result {
		hidden, paused := 0, 0
		for _, n := range doc.Query(clutterSelectors) {
			if tag := dom.Tag(n); tag == "body" || tag == "html" {
				continue
			}
			if dom.HasAttr(n, attrClutter) || insideLandmark(n) || hiddenAncestor(n) {
				continue
			}
			if len(doc.QueryWithin(n, `main, article, [role="main"]`)) > 0 {
				continue
			}
			if dom.Tag(n) == "video" {
				doc.PauseMedia(n)
				doc.SetAttr(n, attrClutter, clutterMedia)
				paused++
				continue
			}
			saveStyle(doc, n, attrClutterStyle, attrClutterAbsent)
			doc.SetAttr(n, "style", dom.WithInlineStyle(dom.AttrOr(n, "style"), map[string]string{"display": "none !important"}))
			doc.SetAttr(n, attrClutter, clutterHidden)
			hidden++
		}
		res := ok("Hid %d distracting element(s) and paused %d video(s)", hidden, paused)
		res.Count = hidden + paused
		return res
	})
}

func hiddenAncestor(n *html.Node) bool {
	for _, a := range dom.Ancestors(n) {
		if dom.AttrOr(a, attrClutter) == clutterHidden {
			return true
		}
	}
	return false
}

func (e *Executor) handleRestoreClutter(ctx context.Context, _ schemas.Action) Result {
	return e.mutate(ctx, func(doc *dom.Document) Result {
		tagged := doc.Query("[" + attrClutter + "]")
		for _, n := range tagged {
			if dom.AttrOr(n, attrClutter) == clutterMedia {
				doc.ResumeMedia(n)
			} else {
				restoreStyle(doc, n, attrClutterStyle, attrClutterAbsent)
			}
			doc.RemoveAttr(n, attrClutter)
		}
		res := ok("Restored %d element(s)", len(tagged))
		res.Count = len(tagged)
		return res
	})
}
