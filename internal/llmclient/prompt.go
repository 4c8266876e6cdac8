// internal/llmclient/prompt.go
package llmclient

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/pagepilot/api/schemas"
)

const systemPrompt = `You are a browser assistant that helps people with low vision, tremors or little computer experience use the web page they are looking at.

Reply with exactly one JSON object and nothing else:
{"actions": [ ... ], "complete": bool, "needs_observation": bool, "title": "short conversation title"}

Each action is a flat object with a "type" field. Allowed types:
- {"type":"message","message":"text shown to the user"}
- {"type":"complete","message":"optional closing text"}
- {"type":"click","selector":"css"} or {"type":"click","xpath":"//..."}
- {"type":"wait","duration":milliseconds}
- {"type":"highlight","selector":"css"}
- {"type":"remove_highlights"}
- {"type":"magnify","selector":"css","scale_factor":1.3}
- {"type":"reset_magnification"}
- {"type":"scroll","selector":"css"}
- {"type":"fill_form","selector":"css","value":"text"}
- {"type":"select_dropdown","selector":"css","value":"option value or label"}
- {"type":"remove_clutter"}
- {"type":"restore_clutter"}

Rules:
- Only use selectors that appear in the page snapshot.
- Never click buttons that submit orders, payments, purchases or deletions. Tell the user to click them.
- Never fill password or credit card fields. Ask the user to type them.
- Set "needs_observation" to true when you must see the page again after your actions.
- Set "complete" to true when the task is finished.
- Keep messages short and plain.`

// maxPromptElements bounds how much of the snapshot goes into a single turn.
const maxPromptElements = 150

// userPrompt renders the utterance and the page context for one turn.
func userPrompt(req schemas.ChatRequest) string {
	var b strings.Builder
	b.WriteString("User: ")
	b.WriteString(req.Message)
	b.WriteString("\n\n")

	ps := req.PageState
	if ps == nil {
		b.WriteString("Page: unavailable\n")
		return b.String()
	}
	fmt.Fprintf(&b, "Page URL: %s\n", ps.URL)
	snap := ps.DistilledDOM
	if snap == nil {
		b.WriteString("Page structure: unavailable\n")
		return b.String()
	}
	fmt.Fprintf(&b, "Title: %s\n", snap.Title)
	if snap.MetaDescription != "" {
		fmt.Fprintf(&b, "Description: %s\n", snap.MetaDescription)
	}
	fmt.Fprintf(&b, "Viewport: %dx%d\n", snap.Viewport.Width, snap.Viewport.Height)
	s := snap.Summary
	fmt.Fprintf(&b, "Summary: %d headings, %d links, %d buttons, %d inputs, %d images\n\n",
		s.Headings, s.Links, s.Buttons, s.Inputs, s.Images)

	b.WriteString("Elements:\n")
	for i, el := range snap.Elements {
		if i == maxPromptElements {
			fmt.Fprintf(&b, "... %d more elements omitted\n", len(snap.Elements)-i)
			break
		}
		writeElement(&b, el)
	}
	if snap.FullText != "" {
		b.WriteString("\nVisible text:\n")
		b.WriteString(snap.FullText)
		b.WriteString("\n")
	}
	return b.String()
}

func writeElement(b *strings.Builder, el schemas.ElementDescriptor) {
	fmt.Fprintf(b, "[%d] <%s> %s", el.Index, el.Tag, el.Selector)
	attrs := []struct{ k, v string }{
		{"type", el.Type},
		{"role", el.Role},
		{"text", el.Text},
		{"label", el.AriaLabel},
		{"placeholder", el.Placeholder},
		{"value", el.Value},
		{"href", el.Href},
		{"alt", el.Alt},
	}
	for _, a := range attrs {
		if a.v != "" {
			fmt.Fprintf(b, " %s=%q", a.k, a.v)
		}
	}
	if len(el.Options) > 0 {
		opts := make([]string, 0, len(el.Options))
		for _, o := range el.Options {
			opt := o.Value
			if o.Text != "" && o.Text != o.Value {
				opt += "/" + o.Text
			}
			if o.Selected {
				opt += "*"
			}
			opts = append(opts, opt)
		}
		fmt.Fprintf(b, " options=[%s]", strings.Join(opts, ", "))
		if el.OptionsOverflow > 0 {
			fmt.Fprintf(b, " (+%d)", el.OptionsOverflow)
		}
	}
	b.WriteString("\n")
}

// extractJSON strips a Markdown code fence if the model added one.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimPrefix(text, "json")
	if i := strings.LastIndex(text, "```"); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}
