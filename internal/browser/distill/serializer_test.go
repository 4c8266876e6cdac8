package distill_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/browser/distill"
	"github.com/xkilldash9x/pagepilot/internal/browser/dom"
)

func shopHTML() string {
	var opts strings.Builder
	for i := 1; i <= 12; i++ {
		fmt.Fprintf(&opts, `<option value="c%d">Country %d</option>`, i, i)
	}
	return `<!DOCTYPE html>
<html><head><title>Shop</title><meta name="description" content="  Best   shop "></head>
<body>
<header><nav><a href="/home">Home</a> <a href="javascript:void(0)">Menu</a> <a href="deals">Deals</a></nav></header>
<main id="content">
  <h1>Welcome <span>friend</span></h1>
  <p class="intro">Intro text</p>
  <p style="display:none">Hidden para</p>
  <p style="visibility:hidden">Invisible para</p>
  <p style="opacity:0">Transparent para</p>
  <form>
    <label for="email">Email</label>
    <input id="email" type="email" value="a@b.c" placeholder="you@example.com">
    <input type="password" name="pw" value="hunter2">
    <input type="hidden" name="csrf" value="x">
    <select id="country">` + opts.String() + `</select>
    <button type="submit">Send</button>
  </form>
  <img src="/logo.png" alt="Logo">
  <img alt="no source">
</main>
<script>var tracking = 1;</script>
</body></html>`
}

func newShopPage(t *testing.T) (*dom.MemoryPage, *dom.Document) {
	t.Helper()
	doc, err := dom.ParseString(shopHTML(), dom.WithURL("https://shop.test/catalog/index.html"))
	require.NoError(t, err)
	return dom.NewMemoryPage(doc), doc
}

func findByTag(snap *schemas.PageSnapshot, tag string) []schemas.ElementDescriptor {
	var out []schemas.ElementDescriptor
	for _, el := range snap.Elements {
		if el.Tag == tag {
			out = append(out, el)
		}
	}
	return out
}

func TestCapture(t *testing.T) {
	page, doc := newShopPage(t)
	s := distill.NewSerializer(zaptest.NewLogger(t))

	snap, err := s.Capture(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, "https://shop.test/catalog/index.html", snap.URL)
	assert.Equal(t, "Shop", snap.Title)
	assert.Equal(t, "Best shop", snap.MetaDescription)
	assert.Equal(t, dom.DefaultViewport, snap.Viewport)

	t.Run("document order and visibility filter", func(t *testing.T) {
		var tags []string
		for i, el := range snap.Elements {
			assert.Equal(t, i, el.Index)
			assert.True(t, el.IsVisible)
			tags = append(tags, el.Tag)
		}
		expected := []string{
			"header", "nav", "a", "a", "a", "main", "h1", "p", "form",
			"label", "input", "input", "select", "button", "img",
		}
		assert.Equal(t, expected, tags)
		paras := findByTag(snap, "p")
		require.Len(t, paras, 1, "hidden paragraphs must be dropped")
		assert.Equal(t, "Intro text", paras[0].Text)
	})

	t.Run("selectors resolve to exactly one node", func(t *testing.T) {
		for _, el := range snap.Elements {
			nodes := doc.Query(el.Selector)
			require.Len(t, nodes, 1, "selector %q", el.Selector)
			byXPath := doc.Query(el.XPath)
			require.Len(t, byXPath, 1, "xpath %q", el.XPath)
			assert.Same(t, nodes[0], byXPath[0])
			assert.Equal(t, el.Tag, dom.Tag(nodes[0]))
		}
	})

	t.Run("descriptors", func(t *testing.T) {
		links := findByTag(snap, "a")
		require.Len(t, links, 3)
		assert.Equal(t, "/home", links[0].Href)
		assert.Empty(t, links[1].Href, "javascript: links carry no href")
		assert.Equal(t, "https://shop.test/catalog/deals", links[2].Href)

		h1 := findByTag(snap, "h1")[0]
		assert.Equal(t, "Welcome", h1.Text, "direct text is preferred")

		inputs := findByTag(snap, "input")
		require.Len(t, inputs, 2)
		assert.Equal(t, "#email", inputs[0].Selector)
		assert.Equal(t, "email", inputs[0].Type)
		assert.Equal(t, "a@b.c", inputs[0].Value)
		assert.Equal(t, "you@example.com", inputs[0].Placeholder)
		assert.Equal(t, "password", inputs[1].Type)
		assert.Empty(t, inputs[1].Value, "password values are never serialized")
		assert.Equal(t, "#content > form > input:nth-of-type(2)", inputs[1].Selector)

		sel := findByTag(snap, "select")[0]
		assert.Len(t, sel.Options, 10)
		assert.Equal(t, 2, sel.OptionsOverflow)
		assert.Equal(t, "c1", sel.Value)

		img := findByTag(snap, "img")[0]
		assert.Equal(t, "/logo.png", img.Src)
		assert.Equal(t, "Logo", img.Alt)
	})

	t.Run("summary", func(t *testing.T) {
		assert.Equal(t, schemas.PageSummary{
			Headings:         1,
			Links:            3,
			Buttons:          1,
			Inputs:           3,
			Images:           1,
			InteractiveTotal: 7,
		}, snap.Summary)
	})

	t.Run("full text", func(t *testing.T) {
		assert.Contains(t, snap.FullText, "Intro text")
		assert.NotContains(t, snap.FullText, "tracking")
	})
}

func TestCaptureIsReadOnlyAndDeterministic(t *testing.T) {
	page, doc := newShopPage(t)
	s := distill.NewSerializer(zaptest.NewLogger(t))

	first, err := s.Capture(context.Background(), page)
	require.NoError(t, err)
	second, err := s.Capture(context.Background(), page)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("snapshots of an unchanged page differ (-first +second):\n%s", diff)
	}
	assert.Empty(t, doc.Journal())
	assert.Empty(t, page.Committed())
}

func TestCaptureTruncatesText(t *testing.T) {
	long := strings.Repeat("é", 150)
	doc, err := dom.ParseString(`<html><body><p>` + long + `</p></body></html>`)
	require.NoError(t, err)

	snap, err := distill.NewSerializer(zaptest.NewLogger(t)).Snapshot(doc)
	require.NoError(t, err)
	require.Len(t, snap.Elements, 1)
	assert.Equal(t, strings.Repeat("é", 100), snap.Elements[0].Text)
}

func TestCaptureSeparatesBlockText(t *testing.T) {
	doc, err := dom.ParseString(`<html><body>
		<a href="/p/1"><div>Blue shirt</div><div>$20</div></a>
		<section><ul><li>Free</li><li>Fast</li><li>Easy</li></ul></section>
	</body></html>`)
	require.NoError(t, err)

	snap, err := distill.NewSerializer(zaptest.NewLogger(t)).Snapshot(doc)
	require.NoError(t, err)
	texts := map[string]string{}
	for _, el := range snap.Elements {
		texts[el.Tag] = el.Text
	}
	assert.Equal(t, "Blue shirt $20", texts["a"])
	assert.Equal(t, "Free Fast Easy", texts["section"])
}

type failingPage struct{ err error }

func (f failingPage) Document(context.Context) (*dom.Document, error) { return nil, f.err }
func (f failingPage) Commit(context.Context, *dom.Document) error { return f.err }

func TestCaptureFailures(t *testing.T) {
	s := distill.NewSerializer(zaptest.NewLogger(t))

	boom := errors.New("tab crashed")
	_, err := s.Capture(context.Background(), failingPage{err: boom})
	assert.ErrorIs(t, err, boom)

	_, err = s.Snapshot(nil)
	assert.ErrorIs(t, err, distill.ErrNoDocument)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	page, _ := newShopPage(t)
	_, err = s.Capture(ctx, page)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFullText(t *testing.T) {
	doc, err := dom.ParseString("<html><body><p>Hello   world</p>\n\n\n<p>Second\n   line</p>" +
		"<script>bad()</script><style>.x{}</style><noscript>enable js</noscript><template>tpl</template></body></html>")
	require.NoError(t, err)
	assert.Equal(t, "Hello world\nSecond\nline", distill.FullText(doc.Body()))
}

func TestRender(t *testing.T) {
	page, _ := newShopPage(t)
	snap, err := distill.NewSerializer(zaptest.NewLogger(t)).Capture(context.Background(), page)
	require.NoError(t, err)

	out := distill.Render(snap, 20)
	assert.Contains(t, out, "URL: https://shop.test/catalog/index.html")
	assert.Contains(t, out, `selector="#email"`)
	assert.Contains(t, out, "(+2 more)")
	assert.Contains(t, out, "[truncated]")
	assert.NotContains(t, out, "hunter2")

	assert.Equal(t, "No page snapshot is available.", distill.Render(nil, 0))
}
