// internal/browser/dom/mutation.go
package dom

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// MutationKind names one journaled DOM operation.
type MutationKind string

const (
	MutSetAttribute    MutationKind = "set_attribute"
	MutRemoveAttribute MutationKind = "remove_attribute"
	MutSetValue        MutationKind = "set_value"
	MutClick           MutationKind = "click"
	MutDispatch        MutationKind = "dispatch"
	MutScrollIntoView  MutationKind = "scroll_into_view"
	MutInsertStyle     MutationKind = "insert_style"
	MutRemoveElement   MutationKind = "remove_element"
	MutPauseMedia      MutationKind = "pause_media"
	MutResumeMedia     MutationKind = "resume_media"
)

// Mutation is one operation to replay on the live page. Path is a positional
// selector computed when the mutation was recorded.
type Mutation struct {
	Kind  MutationKind `json:"kind"`
	Path  string       `json:"path,omitempty"`
	Name  string       `json:"name,omitempty"`
	Value string       `json:"value,omitempty"`
}

// Event is delivered to in-process listeners.
type Event struct {
	Type   string
	Target *html.Node
}

// Listener observes events dispatched on a node or its descendants.
type Listener func(Event)

// AddEventListener registers fn for events of the given type on n. Events
// bubble from the target to its ancestors.
func (d *Document) AddEventListener(n *html.Node, eventType string, fn Listener) {
	if d.listeners[n] == nil {
		d.listeners[n] = make(map[string][]Listener)
	}
	d.listeners[n][eventType] = append(d.listeners[n][eventType], fn)
}

func (d *Document) fire(target *html.Node, eventType string) {
	ev := Event{Type: eventType, Target: target}
	for c := target; c != nil; c = c.Parent {
		for _, fn := range d.listeners[c][eventType] {
			fn(ev)
		}
	}
}

func (d *Document) record(m Mutation) {
	d.journal = append(d.journal, m)
	d.invalidate()
}

// Journal returns the mutations recorded since the last TakeJournal.
func (d *Document) Journal() []Mutation {
	out := make([]Mutation, len(d.journal))
	copy(out, d.journal)
	return out
}

// TakeJournal returns and clears the pending mutations.
func (d *Document) TakeJournal() []Mutation {
	out := d.journal
	d.journal = nil
	return out
}

// SetAttr sets an attribute.
func (d *Document) SetAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			n.Attr[i].Val = val
			d.record(Mutation{Kind: MutSetAttribute, Path: PathSelector(n), Name: key, Value: val})
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
	d.record(Mutation{Kind: MutSetAttribute, Path: PathSelector(n), Name: key, Value: val})
}

// RemoveAttr removes an attribute if present.
func (d *Document) RemoveAttr(n *html.Node, key string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			d.record(Mutation{Kind: MutRemoveAttribute, Path: PathSelector(n), Name: key})
			return
		}
	}
}

// SetValue sets the form value of an input, textarea or select.
func (d *Document) SetValue(n *html.Node, val string) {
	path := PathSelector(n)
	switch Tag(n) {
	case "textarea":
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			n.RemoveChild(c)
			c = next
		}
		n.AppendChild(&html.Node{Type: html.TextNode, Data: val})
	case "select":
		walk(n, func(c *html.Node) bool {
			if Tag(c) != "option" {
				return true
			}
			value, ok := Attr(c, "value")
			if !ok {
				value = CollapseSpace(TextContent(c))
			}
			c.Attr = removeAttr(c.Attr, "selected")
			if value == val {
				c.Attr = append(c.Attr, html.Attribute{Key: "selected"})
			}
			return false
		})
	default:
		n.Attr = removeAttr(n.Attr, "value")
		n.Attr = append(n.Attr, html.Attribute{Key: "value", Val: val})
	}
	d.record(Mutation{Kind: MutSetValue, Path: path, Value: val})
}

func removeAttr(attrs []html.Attribute, key string) []html.Attribute {
	out := attrs[:0]
	for _, a := range attrs {
		if !strings.EqualFold(a.Key, key) {
			out = append(out, a)
		}
	}
	return out
}

// Click invokes the element's native click.
func (d *Document) Click(n *html.Node) {
	d.record(Mutation{Kind: MutClick, Path: PathSelector(n)})
	d.fire(n, "click")
}

// Dispatch fires a synthetic bubbling event.
func (d *Document) Dispatch(n *html.Node, eventType string) {
	d.record(Mutation{Kind: MutDispatch, Path: PathSelector(n), Name: eventType})
	d.fire(n, eventType)
}

// ScrollIntoView smooth-scrolls the element to the viewport center.
func (d *Document) ScrollIntoView(n *html.Node) {
	d.record(Mutation{Kind: MutScrollIntoView, Path: PathSelector(n)})
}

// InsertStyle appends a <style id=id> element to <head>, replacing an existing one.
func (d *Document) InsertStyle(id, css string) {
	if existing := d.QueryOne("style#" + CSSEscape(id)); existing != nil && existing.Parent != nil {
		existing.Parent.RemoveChild(existing)
	}
	head := d.Head()
	if head == nil {
		head = d.Body()
	}
	if head != nil {
		style := &html.Node{Type: html.ElementNode, Data: "style", DataAtom: atom.Style, Attr: []html.Attribute{{Key: "id", Val: id}}}
		style.AppendChild(&html.Node{Type: html.TextNode, Data: css})
		head.AppendChild(style)
	}
	d.record(Mutation{Kind: MutInsertStyle, Name: id, Value: css})
}

// RemoveElement detaches the element from the tree.
func (d *Document) RemoveElement(n *html.Node) {
	if n.Parent == nil {
		return
	}
	path := PathSelector(n)
	n.Parent.RemoveChild(n)
	d.record(Mutation{Kind: MutRemoveElement, Path: path})
}

// PauseMedia pauses and mutes a media element.
func (d *Document) PauseMedia(n *html.Node) {
	d.setProp(n, "paused", "true")
	d.setProp(n, "muted", "true")
	d.record(Mutation{Kind: MutPauseMedia, Path: PathSelector(n)})
}

// ResumeMedia unmutes a media element paused by PauseMedia. Playback is left
// to the user.
func (d *Document) ResumeMedia(n *html.Node) {
	d.setProp(n, "muted", "false")
	d.record(Mutation{Kind: MutResumeMedia, Path: PathSelector(n)})
}
