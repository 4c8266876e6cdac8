// internal/browser/interact/executor.go
package interact

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/browser/dom"
	"github.com/xkilldash9x/pagepilot/internal/config"
)

// ErrorCode classifies a failed action so the agent can tell refusals from breakage.
type ErrorCode string

const (
	CodeElementNotFound  ErrorCode = "ELEMENT_NOT_FOUND"
	CodeSafetyRefusal    ErrorCode = "SAFETY_REFUSAL"
	CodeSensitiveField   ErrorCode = "SENSITIVE_FIELD"
	CodeInvalidTarget    ErrorCode = "INVALID_TARGET"
	CodeNoMatchingOption ErrorCode = "NO_MATCHING_OPTION"
	CodePageError        ErrorCode = "PAGE_ERROR"
	CodeUnknownAction    ErrorCode = "UNKNOWN_ACTION"
)

// Result is the structured outcome of one action. Failures are values, never errors.
type Result struct {
	Success bool      `json:"success"`
	Message string    `json:"message"`
	Count   int       `json:"count,omitempty"`
	Code    ErrorCode `json:"code,omitempty"`
}

func ok(format string, args ...interface{}) Result {
	return Result{Success: true, Message: fmt.Sprintf(format, args...)}
}

func fail(code ErrorCode, format string, args ...interface{}) Result {
	return Result{Success: false, Code: code, Message: fmt.Sprintf(format, args...)}
}

// ActionHandler runs one action kind.
type ActionHandler func(ctx context.Context, action schemas.Action) Result

// Executor performs page actions against a dom.Page. Every mutation it makes
// is tagged on the node so the counterpart action can undo it. Document edits
// are serialized, including the delayed clearing of scroll highlights.
type Executor struct {
	logger   *zap.Logger
	page     dom.Page
	cfg      config.AgentConfig
	handlers map[schemas.ActionType]ActionHandler

	mu sync.Mutex
	// highlightGen changes whenever a highlight is set or cleared. A delayed
	// scroll cleanup only runs if nothing touched highlights since.
	highlightGen uint64
	pending      sync.WaitGroup
}

// NewExecutor creates an Executor bound to page.
func NewExecutor(logger *zap.Logger, page dom.Page, cfg config.AgentConfig) *Executor {
	e := &Executor{
		logger:   logger.Named("executor"),
		page:     page,
		cfg:      cfg,
		handlers: make(map[schemas.ActionType]ActionHandler),
	}
	e.registerHandlers()
	return e
}

func (e *Executor) registerHandlers() {
	e.handlers[schemas.ActionClick] = e.handleClick
	e.handlers[schemas.ActionWait] = e.handleWait
	e.handlers[schemas.ActionHighlight] = e.handleHighlight
	e.handlers[schemas.ActionRemoveHighlights] = e.handleRemoveHighlights
	e.handlers[schemas.ActionMagnify] = e.handleMagnify
	e.handlers[schemas.ActionResetMagnification] = e.handleResetMagnification
	e.handlers[schemas.ActionScroll] = e.handleScroll
	e.handlers[schemas.ActionFillForm] = e.handleFillForm
	e.handlers[schemas.ActionSelectDropdown] = e.handleSelectDropdown
	e.handlers[schemas.ActionRemoveClutter] = e.handleRemoveClutter
	e.handlers[schemas.ActionRestoreClutter] = e.handleRestoreClutter
}

// Execute runs a single action.
func (e *Executor) Execute(ctx context.Context, action schemas.Action) Result {
	if action == nil {
		return fail(CodeUnknownAction, "no action given")
	}
	handler, found := e.handlers[action.Kind()]
	if !found {
		return fail(CodeUnknownAction, "unsupported action type: %s", action.Kind())
	}

	res := handler(ctx, action)
	fields := []zap.Field{zap.String("action", string(action.Kind())), zap.Bool("success", res.Success)}
	switch {
	case res.Success:
		e.logger.Debug("Action executed", fields...)
	case res.Code == CodeSafetyRefusal || res.Code == CodeSensitiveField:
		e.logger.Warn("Action refused", append(fields, zap.String("code", string(res.Code)), zap.String("reason", res.Message))...)
	default:
		e.logger.Info("Action failed", append(fields, zap.String("code", string(res.Code)), zap.String("reason", res.Message))...)
	}
	return res
}

// Wait blocks until delayed highlight cleanups have run.
func (e *Executor) Wait() {
	e.pending.Wait()
}

// mutate loads the current document, runs fn and commits whatever fn changed.
func (e *Executor) mutate(ctx context.Context, fn func(doc *dom.Document) Result) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, err := e.page.Document(ctx)
	if err != nil {
		return fail(CodePageError, "page is unavailable: %v", err)
	}
	res := fn(doc)
	if len(doc.Journal()) == 0 {
		return res
	}
	if err := e.page.Commit(ctx, doc); err != nil {
		return fail(CodePageError, "failed to apply changes to the page: %v", err)
	}
	return res
}

// resolve finds the target element, trying the CSS selector before the XPath.
func resolve(doc *dom.Document, t schemas.Target) (*html.Node, *Result) {
	if strings.TrimSpace(t.Selector) == "" && strings.TrimSpace(t.XPath) == "" {
		r := fail(CodeInvalidTarget, "action requires a selector or xpath")
		return nil, &r
	}
	for _, loc := range []string{t.Selector, t.XPath} {
		if loc == "" {
			continue
		}
		if n := doc.QueryOne(loc); n != nil {
			return n, nil
		}
	}
	r := fail(CodeElementNotFound, "Element not found: %s", t.Locator())
	return nil, &r
}

func describeNode(n *html.Node) string {
	label := dom.Tag(n)
	if id := dom.AttrOr(n, "id"); id != "" {
		label += "#" + id
	}
	text := dom.CollapseSpace(dom.TextContent(n))
	if text == "" {
		text = dom.AttrOr(n, "aria-label")
	}
	if r := []rune(text); len(r) > 40 {
		text = string(r[:40]) + "..."
	}
	if text != "" {
		return fmt.Sprintf("<%s> %q", label, text)
	}
	return "<" + label + ">"
}

// as unwraps an action given by value or by pointer.
func as[T schemas.Action](action schemas.Action) (T, bool) {
	switch v := any(action).(type) {
	case T:
		return v, true
	case *T:
		if v != nil {
			return *v, true
		}
	}
	var zero T
	return zero, false
}

// -- Action Handlers --

func (e *Executor) handleClick(ctx context.Context, action schemas.Action) Result {
	a, _ := as[schemas.ClickAction](action)
	return e.mutate(ctx, func(doc *dom.Document) Result {
		n, miss := resolve(doc, a.Target)
		if miss != nil {
			return *miss
		}
		if pattern, blocked := matchDenyList(clickCorpus(n)); blocked {
			return fail(CodeSafetyRefusal, "Refused to click %s: it matches the safety pattern %q and may perform an irreversible action", describeNode(n), pattern)
		}
		doc.Click(n)
		return ok("Clicked %s", describeNode(n))
	})
}

func (e *Executor) handleWait(ctx context.Context, action schemas.Action) Result {
	a, _ := as[schemas.WaitAction](action)
	d := time.Duration(a.Duration) * time.Millisecond
	if d <= 0 {
		d = e.cfg.DefaultWait
	}
	if err := sleep(ctx, d); err != nil {
		return fail(CodePageError, "wait interrupted: %v", err)
	}
	return ok("Waited %dms", d.Milliseconds())
}

func (e *Executor) handleFillForm(ctx context.Context, action schemas.Action) Result {
	a, _ := as[schemas.FillFormAction](action)
	return e.mutate(ctx, func(doc *dom.Document) Result {
		n, miss := resolve(doc, a.Target)
		if miss != nil {
			return *miss
		}
		tag := dom.Tag(n)
		if tag != "input" && tag != "textarea" {
			return fail(CodeInvalidTarget, "fill_form needs an input or textarea, got <%s>", tag)
		}
		if reason, sensitive := sensitiveField(n); sensitive {
			return fail(CodeSensitiveField, "Refused to fill %s: %s must be entered by the user", describeNode(n), reason)
		}
		if tag == "input" && nonTextInputs[strings.ToLower(dom.AttrOr(n, "type"))] {
			return fail(CodeInvalidTarget, "fill_form cannot set a value on an input of type %q", dom.AttrOr(n, "type"))
		}

		doc.SetValue(n, a.Value)
		doc.Dispatch(n, "input")
		doc.Dispatch(n, "change")
		return ok("Filled %s", describeNode(n))
	})
}

func (e *Executor) handleSelectDropdown(ctx context.Context, action schemas.Action) Result {
	a, _ := as[schemas.SelectDropdownAction](action)
	return e.mutate(ctx, func(doc *dom.Document) Result {
		n, miss := resolve(doc, a.Target)
		if miss != nil {
			return *miss
		}
		if dom.Tag(n) != "select" {
			return fail(CodeInvalidTarget, "select_dropdown needs a select, got <%s>", dom.Tag(n))
		}

		opts := dom.SelectOptions(n)
		match := -1
		for i, o := range opts {
			if o.Value == a.Value {
				match = i
				break
			}
		}
		if match < 0 {
			want := strings.TrimSpace(a.Value)
			for i, o := range opts {
				if strings.EqualFold(strings.TrimSpace(o.Text), want) {
					match = i
					break
				}
			}
		}
		if match < 0 {
			names := make([]string, len(opts))
			for i, o := range opts {
				names[i] = o.Text
			}
			return fail(CodeNoMatchingOption, "No option matching %q. Available options: %s", a.Value, strings.Join(names, ", "))
		}

		doc.SetValue(n, opts[match].Value)
		doc.Dispatch(n, "change")
		return ok("Selected %q", opts[match].Text)
	})
}

func (e *Executor) handleScroll(ctx context.Context, action schemas.Action) Result {
	a, _ := as[schemas.ScrollAction](action)
	res := e.mutate(ctx, func(doc *dom.Document) Result {
		n, miss := resolve(doc, a.Target)
		if miss != nil {
			return *miss
		}
		doc.ScrollIntoView(n)
		highlight(doc, n)
		e.highlightGen++
		return ok("Scrolled to %s", describeNode(n))
	})
	if !res.Success {
		return res
	}

	e.mu.Lock()
	gen := e.highlightGen
	e.mu.Unlock()
	cleanupCtx := context.WithoutCancel(ctx)
	e.pending.Add(1)
	if e.cfg.HighlightDuration <= 0 {
		e.clearScrollHighlight(cleanupCtx, a.Target, gen)
		return res
	}
	time.AfterFunc(e.cfg.HighlightDuration, func() {
		e.clearScrollHighlight(cleanupCtx, a.Target, gen)
	})
	return res
}

// clearScrollHighlight removes the highlight a scroll added, unless a later
// action has set or cleared highlights since.
func (e *Executor) clearScrollHighlight(ctx context.Context, target schemas.Target, gen uint64) {
	defer e.pending.Done()
	cleanup := e.mutate(ctx, func(doc *dom.Document) Result {
		if e.highlightGen != gen {
			return ok("")
		}
		if n, miss := resolve(doc, target); miss == nil {
			unhighlight(doc, n)
		}
		return ok("")
	})
	if !cleanup.Success {
		e.logger.Warn("Failed to clear scroll highlight", zap.String("reason", cleanup.Message))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
