// internal/browser/cdp/snapshot.go
package cdp

import (
	"errors"
	"strings"

	"github.com/chromedp/cdproto/domsnapshot"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/browser/dom"
)

// DOM node types as reported by DOMSnapshot.
const (
	nodeElement  = 1
	nodeText     = 3
	nodeComment  = 8
	nodeDocument = 9
	nodeDoctype  = 10
	nodeFragment = 11
)

var errEmptySnapshot = errors.New("snapshot contains no document")

// BuildDocument converts the main frame of a DOMSnapshot.captureSnapshot
// result into a dom.Document carrying the captured layout and computed style.
// styleNames must be the computed style names the capture was requested with.
func BuildDocument(docs []*domsnapshot.DocumentSnapshot, strs []string, styleNames []string, viewport schemas.Viewport) (*dom.Document, error) {
	if len(docs) == 0 || docs[0] == nil || docs[0].Nodes == nil {
		return nil, errEmptySnapshot
	}
	snap := docs[0]
	str := func(i int64) string {
		if i < 0 || int(i) >= len(strs) {
			return ""
		}
		return strs[i]
	}

	tree := snap.Nodes
	count := len(tree.NodeType)
	nodes := make([]*html.Node, count)
	inputValues := rareStrings(tree.InputValue, str)
	selected := rareBools(tree.OptionSelected)
	checked := rareBools(tree.InputChecked)
	pseudo := rareStrings(tree.PseudoType, str)

	var root *html.Node
	for i := 0; i < count; i++ {
		parent := int64(-1)
		if i < len(tree.ParentIndex) {
			parent = tree.ParentIndex[i]
		}
		if parent >= 0 && (int(parent) >= count || nodes[parent] == nil) {
			// Descendant of a skipped node (shadow root or pseudo element).
			continue
		}
		if _, isPseudo := pseudo[i]; isPseudo {
			continue
		}

		var n *html.Node
		switch tree.NodeType[i] {
		case nodeDocument:
			n = &html.Node{Type: html.DocumentNode}
		case nodeDoctype:
			n = &html.Node{Type: html.DoctypeNode, Data: "html"}
		case nodeElement:
			name := strings.ToLower(str(int64(tree.NodeName[i])))
			if strings.HasPrefix(name, "::") {
				continue
			}
			n = &html.Node{Type: html.ElementNode, Data: name, DataAtom: atom.Lookup([]byte(name))}
			if i < len(tree.Attributes) {
				attrs := tree.Attributes[i]
				for j := 0; j+1 < len(attrs); j += 2 {
					n.Attr = append(n.Attr, html.Attribute{Key: str(int64(attrs[j])), Val: str(int64(attrs[j+1]))})
				}
			}
			applyFormState(n, i, inputValues, selected, checked)
		case nodeText:
			n = &html.Node{Type: html.TextNode, Data: str(int64(tree.NodeValue[i]))}
		case nodeComment:
			n = &html.Node{Type: html.CommentNode, Data: str(int64(tree.NodeValue[i]))}
		default:
			// Shadow roots and other fragments are not part of the light tree.
			continue
		}
		nodes[i] = n

		if parent < 0 {
			if root == nil {
				root = n
			}
			continue
		}
		nodes[parent].AppendChild(n)
	}
	if root == nil {
		return nil, errEmptySnapshot
	}
	if root.Type != html.DocumentNode {
		doc := &html.Node{Type: html.DocumentNode}
		doc.AppendChild(root)
		root = doc
	}

	// Textarea values live in their text child.
	for idx, v := range inputValues {
		if n := nodes[idx]; n != nil && n.Type == html.ElementNode && n.Data == "textarea" {
			for c := n.FirstChild; c != nil; {
				next := c.NextSibling
				n.RemoveChild(c)
				c = next
			}
			n.AppendChild(&html.Node{Type: html.TextNode, Data: v})
		}
	}

	layout := make(map[*html.Node]*dom.Layout)
	if lt := snap.Layout; lt != nil {
		for k, idx := range lt.NodeIndex {
			if idx < 0 || int(idx) >= count || nodes[idx] == nil {
				continue
			}
			n := nodes[idx]
			if _, seen := layout[n]; seen {
				continue
			}
			l := &dom.Layout{Style: make(map[string]string, len(styleNames))}
			if k < len(lt.Bounds) && len(lt.Bounds[k]) >= 4 {
				b := lt.Bounds[k]
				l.Bounds = dom.Rect{X: b[0], Y: b[1], Width: b[2], Height: b[3]}
			}
			if k < len(lt.Styles) {
				for j, si := range lt.Styles[k] {
					if j < len(styleNames) {
						l.Style[styleNames[j]] = str(int64(si))
					}
				}
			}
			layout[n] = l
		}
	}

	return dom.NewDocument(root,
		dom.WithURL(str(int64(snap.DocumentURL))),
		dom.WithTitle(str(int64(snap.Title))),
		dom.WithViewport(viewport),
		dom.WithLayout(layout),
	), nil
}

func applyFormState(n *html.Node, i int, values map[int]string, selected, checked map[int]bool) {
	switch n.Data {
	case "input":
		if v, found := values[i]; found {
			setAttr(n, "value", v)
		}
		if checked != nil {
			if checked[i] {
				setAttr(n, "checked", "")
			} else {
				removeAttr(n, "checked")
			}
		}
	case "option":
		if selected != nil {
			if selected[i] {
				setAttr(n, "selected", "")
			} else {
				removeAttr(n, "selected")
			}
		}
	}
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != key {
			out = append(out, a)
		}
	}
	n.Attr = out
}

func rareStrings(d *domsnapshot.RareStringData, str func(int64) string) map[int]string {
	out := make(map[int]string)
	if d == nil {
		return out
	}
	for k, idx := range d.Index {
		if k < len(d.Value) {
			out[int(idx)] = str(int64(d.Value[k]))
		}
	}
	return out
}

// rareBools returns nil when the snapshot did not report the property at all.
func rareBools(d *domsnapshot.RareBooleanData) map[int]bool {
	if d == nil {
		return nil
	}
	out := make(map[int]bool, len(d.Index))
	for _, idx := range d.Index {
		out[int(idx)] = true
	}
	return out
}
