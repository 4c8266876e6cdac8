package agent

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/browser/interact"
)

// -- Conversation Mock --

// MockConversation mocks the reasoning service.
type MockConversation struct {
	mock.Mock
}

func (m *MockConversation) Send(ctx context.Context, req schemas.ChatRequest) (*schemas.AgentTurn, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.AgentTurn), args.Error(1)
}

// -- Page Observer Mock --

// MockObserver mocks page state capture.
type MockObserver struct {
	mock.Mock
}

func (m *MockObserver) Observe(ctx context.Context) (schemas.PageState, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.PageState), args.Error(1)
}

// -- Executor Fake --

// recordingExecutor records every action it is handed and answers from a
// per-kind script. Unscripted kinds succeed.
type recordingExecutor struct {
	mu      sync.Mutex
	calls   []schemas.ActionType
	results map[schemas.ActionType]interact.Result
	onCall  func(schemas.Action)
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{results: make(map[schemas.ActionType]interact.Result)}
}

func (r *recordingExecutor) Execute(_ context.Context, action schemas.Action) interact.Result {
	r.mu.Lock()
	r.calls = append(r.calls, action.Kind())
	res, found := r.results[action.Kind()]
	hook := r.onCall
	r.mu.Unlock()

	if hook != nil {
		hook(action)
	}
	if !found {
		return interact.Result{Success: true, Message: "ok"}
	}
	return res
}

func (r *recordingExecutor) Calls() []schemas.ActionType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schemas.ActionType(nil), r.calls...)
}
