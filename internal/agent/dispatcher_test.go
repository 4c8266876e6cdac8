package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/browser/interact"
	"github.com/xkilldash9x/pagepilot/internal/config"
)

// pacedDispatcher returns a dispatcher whose pacing sleeps are recorded
// instead of slept. Each entry is the number of actions executed before the pause.
func pacedDispatcher(t *testing.T, exec ActionExecutor) (*Dispatcher, *[]int) {
	t.Helper()
	d := NewDispatcher(zaptest.NewLogger(t), exec, config.AgentConfig{ActionDelay: 300 * time.Millisecond})
	pauses := &[]int{}
	rec, _ := exec.(*recordingExecutor)
	d.sleep = func(ctx context.Context, delay time.Duration) error {
		assert.Equal(t, 300*time.Millisecond, delay)
		if rec != nil {
			*pauses = append(*pauses, len(rec.Calls()))
		}
		return ctx.Err()
	}
	return d, pauses
}

func TestDispatcher_FiltersCommunicationActions(t *testing.T) {
	exec := newRecordingExecutor()
	d, _ := pacedDispatcher(t, exec)

	outcomes := d.Run(context.Background(), []schemas.Action{
		schemas.MessageAction{Message: "Working on it"},
		schemas.HighlightAction{Target: schemas.Target{Selector: "#a"}},
		schemas.CompleteAction{},
		schemas.RemoveHighlightsAction{},
	})

	assert.Equal(t, []schemas.ActionType{schemas.ActionHighlight, schemas.ActionRemoveHighlights}, exec.Calls())
	require.Len(t, outcomes, 2)
	assert.Equal(t, schemas.ActionHighlight, outcomes[0].Type)
	assert.Equal(t, schemas.ActionRemoveHighlights, outcomes[1].Type)
}

func TestDispatcher_PacingBetweenPageActions(t *testing.T) {
	exec := newRecordingExecutor()
	d, pauses := pacedDispatcher(t, exec)

	d.Run(context.Background(), []schemas.Action{
		schemas.ScrollAction{Target: schemas.Target{Selector: "#a"}},
		schemas.WaitAction{Duration: 500},
		schemas.ClickAction{Target: schemas.Target{Selector: "#b"}},
		schemas.MessageAction{Message: "done"},
		schemas.HighlightAction{Target: schemas.Target{Selector: "#c"}},
	})

	// After scroll and after click; never after wait, never after the last action.
	assert.Equal(t, []int{1, 3}, *pauses)
	assert.Len(t, exec.Calls(), 4)
}

func TestDispatcher_FailuresDoNotAbort(t *testing.T) {
	exec := newRecordingExecutor()
	exec.results[schemas.ActionClick] = interact.Result{Success: false, Code: interact.CodeSafetyRefusal, Message: "refused"}
	exec.results[schemas.ActionFillForm] = interact.Result{Success: false, Code: interact.CodeElementNotFound, Message: "missing"}
	d, _ := pacedDispatcher(t, exec)

	outcomes := d.Run(context.Background(), []schemas.Action{
		schemas.ClickAction{Target: schemas.Target{Selector: "#buy"}},
		schemas.FillFormAction{Target: schemas.Target{Selector: "#gone"}, Value: "x"},
		schemas.HighlightAction{Target: schemas.Target{Selector: "#ok"}},
	})

	require.Len(t, outcomes, 3)
	assert.False(t, outcomes[0].Result.Success)
	assert.Equal(t, interact.CodeSafetyRefusal, outcomes[0].Result.Code)
	assert.False(t, outcomes[1].Result.Success)
	assert.True(t, outcomes[2].Result.Success)
}

func TestDispatcher_CancellationBetweenActions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := newRecordingExecutor()
	// The first action runs to completion even though it cancels the run.
	exec.onCall = func(a schemas.Action) {
		if a.Kind() == schemas.ActionWait {
			cancel()
		}
	}
	d, _ := pacedDispatcher(t, exec)

	outcomes := d.Run(ctx, []schemas.Action{
		schemas.WaitAction{Duration: 10},
		schemas.ClickAction{Target: schemas.Target{Selector: "#next"}},
	})

	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Result.Success)
	assert.Equal(t, []schemas.ActionType{schemas.ActionWait}, exec.Calls())
}

func TestDispatcher_EmptyAndNil(t *testing.T) {
	exec := newRecordingExecutor()
	d, pauses := pacedDispatcher(t, exec)

	assert.Empty(t, d.Run(context.Background(), nil))
	assert.Empty(t, d.Run(context.Background(), []schemas.Action{nil, schemas.MessageAction{Message: "hi"}}))
	assert.Empty(t, exec.Calls())
	assert.Empty(t, *pauses)
}

func TestDispatcher_RealSleep(t *testing.T) {
	exec := newRecordingExecutor()
	d := NewDispatcher(zaptest.NewLogger(t), exec, config.AgentConfig{ActionDelay: 20 * time.Millisecond})

	start := time.Now()
	d.Run(context.Background(), []schemas.Action{
		schemas.RemoveHighlightsAction{},
		schemas.RemoveHighlightsAction{},
		schemas.RemoveHighlightsAction{},
	})
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}
