// internal/agent/dispatcher.go
package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/browser/interact"
	"github.com/xkilldash9x/pagepilot/internal/config"
)

// ActionExecutor performs one page action. *interact.Executor satisfies it.
type ActionExecutor interface {
	Execute(ctx context.Context, action schemas.Action) interact.Result
}

// Outcome pairs a dispatched action with its result.
type Outcome struct {
	Action schemas.Action     `json:"-"`
	Type   schemas.ActionType `json:"type"`
	Result interact.Result    `json:"result"`
}

// Dispatcher runs page actions strictly one after another with a short pause
// between them so each change is visible to the user.
type Dispatcher struct {
	logger *zap.Logger
	exec   ActionExecutor
	delay  time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a Dispatcher using cfg.ActionDelay as the pacing delay.
func NewDispatcher(logger *zap.Logger, exec ActionExecutor, cfg config.AgentConfig) *Dispatcher {
	return &Dispatcher{
		logger: logger.Named("dispatcher"),
		exec:   exec,
		delay:  cfg.ActionDelay,
		sleep:  sleepCtx,
	}
}

// Run executes the page actions in order. Communication actions are skipped.
// A failed action never stops the run; cancellation is only noticed between actions.
func (d *Dispatcher) Run(ctx context.Context, actions []schemas.Action) []Outcome {
	page := make([]schemas.Action, 0, len(actions))
	for _, a := range actions {
		if a != nil && !schemas.IsCommunication(a) {
			page = append(page, a)
		}
	}

	outcomes := make([]Outcome, 0, len(page))
	for i, a := range page {
		if err := ctx.Err(); err != nil {
			d.logger.Info("Dispatch cancelled.", zap.Int("remaining", len(page)-i), zap.Error(err))
			break
		}

		res := d.exec.Execute(ctx, a)
		outcomes = append(outcomes, Outcome{Action: a, Type: a.Kind(), Result: res})

		last := i == len(page)-1
		if last || a.Kind() == schemas.ActionWait || d.delay <= 0 {
			continue
		}
		if err := d.sleep(ctx, d.delay); err != nil {
			d.logger.Info("Dispatch cancelled during pacing.", zap.Int("remaining", len(page)-i-1), zap.Error(err))
			break
		}
	}

	failed := 0
	for _, o := range outcomes {
		if !o.Result.Success {
			failed++
		}
	}
	d.logger.Debug("Dispatch finished.", zap.Int("executed", len(outcomes)), zap.Int("failed", failed))
	return outcomes
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
