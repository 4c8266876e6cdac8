// internal/chat/thread.go
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/agent"
	"github.com/xkilldash9x/pagepilot/internal/relay"
)

var (
	// ErrBusy is returned while an agent loop is running for this thread.
	ErrBusy = errors.New("a request is already being processed")
	// ErrEmptyMessage is returned for blank submissions.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoSession is returned when Open is given no conversation id.
	ErrNoSession = errors.New("conversation id is required")
)

// Runner runs one agent loop. *agent.Controller satisfies it.
type Runner interface {
	Run(ctx context.Context, req agent.Request) agent.Result
}

// History loads stored conversations.
type History interface {
	Conversation(ctx context.Context, id string) (*schemas.ConversationRecord, error)
}

// SessionStore persists the pending and active conversation markers. *store.Store satisfies it.
type SessionStore interface {
	PendingSession(ctx context.Context) (string, error)
	SetPendingSession(ctx context.Context, id string) error
	ClearPendingSession(ctx context.Context) error
	SetActiveSession(ctx context.Context, id string) error
	ClearActiveSession(ctx context.Context) error
}

// State is a point-in-time view of the thread for the UI.
type State struct {
	SessionID         string `json:"sessionId,omitempty"`
	Title             string `json:"title,omitempty"`
	Processing        bool   `json:"isProcessing"`
	HandsFree         bool   `json:"handsFree"`
	Recording         bool   `json:"recording"`
	RecordingID       string `json:"recordingId,omitempty"`
	AssistantSpeaking bool   `json:"assistantSpeaking"`
	Messages          int    `json:"messages"`
}

// Listener receives thread updates. Calls are made without the thread lock held.
type Listener interface {
	OnMessage(msg schemas.ChatMessage)
	OnState(state State)
	OnTranscription(result relay.TranscriptionResult)
}

// Config tunes a Thread.
type Config struct {
	// SegmentDuration caps each hands-free recording.
	SegmentDuration time.Duration
}

// Thread owns one conversation: its transcript, session, the processing
// guard and hands-free voice mode.
type Thread struct {
	logger   *zap.Logger
	runner   Runner
	history  History
	sessions SessionStore
	hub      *relay.Hub
	cfg      Config
	listener Listener
	now      func() time.Time

	mu           sync.Mutex
	messages     []schemas.ChatMessage
	sessionID    string
	title        string
	processing   bool
	handsFree    bool
	speaking     bool
	restartOwed  bool
	recordingID  string
	transcribing string

	background sync.WaitGroup
}

// NewThread creates an empty thread. listener may be nil.
func NewThread(logger *zap.Logger, runner Runner, history History, sessions SessionStore, hub *relay.Hub, cfg Config, listener Listener) *Thread {
	if listener == nil {
		listener = nopListener{}
	}
	return &Thread{
		logger:   logger.Named("chat"),
		runner:   runner,
		history:  history,
		sessions: sessions,
		hub:      hub,
		cfg:      cfg,
		listener: listener,
		now:      time.Now,
	}
}

// Messages returns a copy of the transcript.
func (t *Thread) Messages() []schemas.ChatMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]schemas.ChatMessage(nil), t.messages...)
}

// State returns the current thread state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

func (t *Thread) stateLocked() State {
	return State{
		SessionID:         t.sessionID,
		Title:             t.title,
		Processing:        t.processing,
		HandsFree:         t.handsFree,
		Recording:         t.recordingID != "",
		RecordingID:       t.recordingID,
		AssistantSpeaking: t.speaking,
		Messages:          len(t.messages),
	}
}

func (t *Thread) publishState() {
	t.listener.OnState(t.State())
}

func (t *Thread) append(msg schemas.ChatMessage) {
	t.mu.Lock()
	t.messages = append(t.messages, msg)
	t.mu.Unlock()
	t.listener.OnMessage(msg)
}

// Submit adds a user message and runs the agent loop for it. Only one loop
// runs at a time; a second submission gets ErrBusy.
func (t *Thread) Submit(ctx context.Context, text string) (agent.Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return agent.Result{}, ErrEmptyMessage
	}

	t.mu.Lock()
	if t.processing {
		t.mu.Unlock()
		return agent.Result{}, ErrBusy
	}
	t.processing = true
	sessionID, title := t.sessionID, t.title
	t.mu.Unlock()

	t.append(schemas.ChatMessage{ID: uuid.NewString(), Role: schemas.RoleUser, Content: text, Timestamp: t.now()})
	t.publishState()

	res := t.runner.Run(ctx, agent.Request{
		Utterance: text,
		SessionID: sessionID,
		Title:     title,
		OnMessage: t.append,
	})

	t.mu.Lock()
	if res.SessionID != "" {
		t.sessionID = res.SessionID
	}
	if res.Title != "" {
		t.title = res.Title
	}
	t.processing = false
	sessionID = t.sessionID
	t.mu.Unlock()

	// Markers are advisory; a store failure must not fail the turn.
	if res.Complete {
		if err := t.sessions.ClearActiveSession(ctx); err != nil {
			t.logger.Warn("Could not clear the active session marker.", zap.Error(err))
		}
	} else if sessionID != "" {
		if err := t.sessions.SetActiveSession(ctx, sessionID); err != nil {
			t.logger.Warn("Could not record the active session.", zap.Error(err))
		}
	}

	t.logger.Info("Request finished.",
		zap.String("session_id", sessionID),
		zap.Int("iterations", res.Iterations),
		zap.Bool("complete", res.Complete),
		zap.Bool("failed", res.Err != nil))

	t.publishState()
	t.afterLoop(ctx)
	return res, nil
}

// Hydrate loads the pending conversation when the thread has no messages yet.
// The pending marker is kept when loading fails so a later attempt can retry.
func (t *Thread) Hydrate(ctx context.Context) (bool, error) {
	t.mu.Lock()
	empty := len(t.messages) == 0 && !t.processing
	t.mu.Unlock()
	if !empty {
		return false, nil
	}

	pending, err := t.sessions.PendingSession(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read pending session: %w", err)
	}
	if pending == "" {
		return false, nil
	}

	rec, err := t.history.Conversation(ctx, pending)
	if err != nil {
		return false, fmt.Errorf("failed to hydrate conversation %s: %w", pending, err)
	}

	msgs := make([]schemas.ChatMessage, 0, len(rec.Messages))
	for _, m := range rec.Messages {
		msgs = append(msgs, schemas.ChatMessage{ID: uuid.NewString(), Role: m.Role, Content: m.Content, Timestamp: t.now()})
	}

	t.mu.Lock()
	if len(t.messages) > 0 || t.processing {
		t.mu.Unlock()
		return false, nil
	}
	t.sessionID = rec.SessionID
	if t.sessionID == "" {
		t.sessionID = pending
	}
	t.title = rec.Title
	t.messages = msgs
	sessionID := t.sessionID
	t.mu.Unlock()

	if err := t.sessions.ClearPendingSession(ctx); err != nil {
		t.logger.Warn("Could not clear the pending session marker.", zap.Error(err))
	}
	if err := t.sessions.SetActiveSession(ctx, sessionID); err != nil {
		t.logger.Warn("Could not record the active session.", zap.Error(err))
	}

	t.logger.Info("Hydrated conversation.", zap.String("session_id", sessionID), zap.Int("messages", len(msgs)))
	for _, m := range msgs {
		t.listener.OnMessage(m)
	}
	t.publishState()
	return true, nil
}

// Open switches the thread to a stored conversation. The id is recorded as
// pending first, so a conversation that cannot be loaded now is picked up by
// the next Hydrate.
func (t *Thread) Open(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrNoSession
	}
	if err := t.sessions.SetPendingSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to record pending session: %w", err)
	}
	if err := t.NewConversation(ctx); err != nil {
		return err
	}
	ok, err := t.Hydrate(ctx)
	if err != nil {
		return err
	}
	if !ok {
		// A submission started between the reset and the load.
		return ErrBusy
	}
	return nil
}

// NewConversation discards the transcript and session id.
func (t *Thread) NewConversation(ctx context.Context) error {
	t.mu.Lock()
	if t.processing {
		t.mu.Unlock()
		return ErrBusy
	}
	t.messages = nil
	t.sessionID = ""
	t.title = ""
	t.mu.Unlock()

	if err := t.sessions.ClearActiveSession(ctx); err != nil {
		return fmt.Errorf("failed to clear active session: %w", err)
	}
	t.publishState()
	return nil
}

// Wait blocks until background hands-free work has finished.
func (t *Thread) Wait() {
	t.background.Wait()
}

type nopListener struct{}

func (nopListener) OnMessage(schemas.ChatMessage)             {}
func (nopListener) OnState(State)                             {}
func (nopListener) OnTranscription(relay.TranscriptionResult) {}
