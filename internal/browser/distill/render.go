// internal/browser/distill/render.go
package distill

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xkilldash9x/pagepilot/api/schemas"
)

// Render formats a snapshot as compact text for a language model prompt.
// fullText is cut to maxFullText runes; zero means no limit.
func Render(snap *schemas.PageSnapshot, maxFullText int) string {
	if snap == nil {
		return "No page snapshot is available."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\nTitle: %s\n", snap.URL, snap.Title)
	if snap.MetaDescription != "" {
		fmt.Fprintf(&b, "Description: %s\n", snap.MetaDescription)
	}
	fmt.Fprintf(&b, "Viewport: %dx%d\n", snap.Viewport.Width, snap.Viewport.Height)
	s := snap.Summary
	fmt.Fprintf(&b, "Summary: %d headings, %d links, %d buttons, %d inputs, %d images, %d interactive\n\n",
		s.Headings, s.Links, s.Buttons, s.Inputs, s.Images, s.InteractiveTotal)

	b.WriteString("Elements:\n")
	for _, el := range snap.Elements {
		b.WriteString(renderElement(el))
		b.WriteByte('\n')
	}

	text := snap.FullText
	if maxFullText > 0 && utf8.RuneCountInString(text) > maxFullText {
		text = string([]rune(text)[:maxFullText]) + " [truncated]"
	}
	b.WriteString("\nPage text:\n")
	b.WriteString(text)
	return b.String()
}

func renderElement(el schemas.ElementDescriptor) string {
	var b strings.Builder
	marker := " "
	if el.IsInteractive {
		marker = "*"
	}
	fmt.Fprintf(&b, "[%d]%s <%s", el.Index, marker, el.Tag)
	attr := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, " %s=%q", k, v)
		}
	}
	attr("type", el.Type)
	attr("role", el.Role)
	attr("aria-label", el.AriaLabel)
	attr("placeholder", el.Placeholder)
	attr("value", el.Value)
	attr("href", el.Href)
	attr("alt", el.Alt)
	fmt.Fprintf(&b, "> %s", el.Text)
	if len(el.Options) > 0 {
		opts := make([]string, len(el.Options))
		for i, o := range el.Options {
			opts[i] = o.Text
		}
		fmt.Fprintf(&b, " options=[%s]", strings.Join(opts, " | "))
		if el.OptionsOverflow > 0 {
			fmt.Fprintf(&b, " (+%d more)", el.OptionsOverflow)
		}
	}
	fmt.Fprintf(&b, " selector=%q", el.Selector)
	return b.String()
}
