// internal/agent/controller.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/browser/dom"
	"github.com/xkilldash9x/pagepilot/internal/config"
)

// DefaultMaxIterations bounds one task when the configuration leaves it unset.
const DefaultMaxIterations = 10

const (
	continuationFormat = "[OBSERVATION] Continuing task: %s"
	failureMessage     = "Sorry, I ran into a problem and couldn't finish that. Please send your message again."
	restrictedMessage  = "I can't work on browser-internal pages. Open a regular website and ask me again."
	maxStepsFormat     = "I reached the maximum number of steps (%d) for this task. Let me know if you'd like me to keep going."
)

// Conversation sends one chat turn to the reasoning service.
type Conversation interface {
	Send(ctx context.Context, req schemas.ChatRequest) (*schemas.AgentTurn, error)
}

// PageObserver captures the current page state. A sub-capture that could not
// be taken is left nil; the only error is one wrapping dom.ErrRestrictedPage.
type PageObserver interface {
	Observe(ctx context.Context) (schemas.PageState, error)
}

// Request starts one task.
type Request struct {
	Utterance string
	SessionID string
	Title     string
	// OnMessage, when set, receives each message of this task as it is produced.
	OnMessage func(schemas.ChatMessage)
}

// Result is the outcome of one task.
type Result struct {
	SessionID  string
	Title      string
	Messages   []schemas.ChatMessage
	Outcomes   []Outcome
	Iterations int
	Complete   bool
	// Err is the transport or decoding failure that ended the task early.
	Err error
}

// Option configures a Controller.
type Option func(*Controller)

// WithMessageSink delivers each chat message as soon as it is produced.
func WithMessageSink(fn func(schemas.ChatMessage)) Option {
	return func(c *Controller) { c.sink = fn }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller runs the observe, ask, act loop for one utterance.
type Controller struct {
	logger     *zap.Logger
	conv       Conversation
	observer   PageObserver
	dispatcher *Dispatcher
	maxIter    int
	settle     time.Duration
	sink       func(schemas.ChatMessage)
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewController wires the loop to its collaborators.
func NewController(logger *zap.Logger, conv Conversation, observer PageObserver, dispatcher *Dispatcher, cfg config.AgentConfig, opts ...Option) *Controller {
	c := &Controller{
		logger:     logger.Named("agent_loop"),
		conv:       conv,
		observer:   observer,
		dispatcher: dispatcher,
		maxIter:    cfg.MaxIterations,
		settle:     cfg.SettleDelay,
		now:        time.Now,
		sleep:      sleepCtx,
	}
	if c.maxIter <= 0 {
		c.maxIter = DefaultMaxIterations
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run drives one task to completion, the iteration cap, or the first failure.
// Failures are reported as exactly one assistant message and are never retried.
func (c *Controller) Run(ctx context.Context, req Request) Result {
	res := Result{SessionID: req.SessionID, Title: req.Title}
	log := c.logger.With(zap.String("task", truncate(req.Utterance, 80)))
	message := req.Utterance

	for iteration := 1; ; iteration++ {
		if iteration > 1 {
			if err := c.sleep(ctx, c.settle); err != nil {
				return c.fail(&res, req, log, fmt.Errorf("interrupted while waiting for the page to settle: %w", err))
			}
		}

		state, err := c.observer.Observe(ctx)
		if errors.Is(err, dom.ErrRestrictedPage) {
			return c.failWith(&res, req, log, err, restrictedMessage)
		}
		turn, err := c.conv.Send(ctx, schemas.ChatRequest{
			SessionID: res.SessionID,
			Title:     res.Title,
			Message:   message,
			PageState: &state,
		})
		if err != nil {
			return c.fail(&res, req, log, err)
		}
		if turn == nil {
			return c.fail(&res, req, log, fmt.Errorf("reasoning service returned an empty turn"))
		}
		res.Iterations = iteration
		if turn.SessionID != "" {
			res.SessionID = turn.SessionID
		}
		if turn.Title != "" {
			res.Title = turn.Title
		}

		for _, a := range turn.Actions {
			switch v := a.(type) {
			case schemas.MessageAction:
				c.emit(&res, req, schemas.RoleAssistant, v.Message, false)
			case schemas.CompleteAction:
				c.emit(&res, req, schemas.RoleAssistant, v.Message, false)
			}
		}
		res.Outcomes = append(res.Outcomes, c.dispatcher.Run(ctx, turn.Actions)...)

		log.Debug("Turn finished.",
			zap.Int("iteration", iteration),
			zap.Int("actions", len(turn.Actions)),
			zap.Bool("complete", turn.Complete),
			zap.Bool("needs_observation", turn.NeedsObservation))

		switch {
		case turn.Complete:
			res.Complete = true
			log.Info("Task complete.", zap.Int("iterations", iteration))
			return res
		case !turn.NeedsObservation:
			return res
		case iteration >= c.maxIter:
			c.emit(&res, req, schemas.RoleSystem, fmt.Sprintf(maxStepsFormat, c.maxIter), false)
			res.Complete = true
			log.Warn("Task stopped at the iteration limit.", zap.Int("max_iterations", c.maxIter))
			return res
		}
		message = fmt.Sprintf(continuationFormat, req.Utterance)
	}
}

func (c *Controller) fail(res *Result, req Request, log *zap.Logger, err error) Result {
	return c.failWith(res, req, log, err, failureMessage)
}

func (c *Controller) failWith(res *Result, req Request, log *zap.Logger, err error, message string) Result {
	log.Error("Agent loop failed.", zap.Int("iterations", res.Iterations), zap.Error(err))
	res.Err = err
	res.Complete = false
	c.emit(res, req, schemas.RoleAssistant, message, true)
	return *res
}

func (c *Controller) emit(res *Result, req Request, role schemas.Role, content string, isError bool) {
	if strings.TrimSpace(content) == "" {
		return
	}
	msg := schemas.ChatMessage{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		IsError:   isError,
		Timestamp: c.now(),
	}
	res.Messages = append(res.Messages, msg)
	if c.sink != nil {
		c.sink(msg)
	}
	if req.OnMessage != nil {
		req.OnMessage(msg)
	}
}

func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
