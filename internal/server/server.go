// internal/server/server.go
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/agent"
	"github.com/xkilldash9x/pagepilot/internal/chat"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/relay"
)

const shutdownTimeout = 5 * time.Second

// Thread is the conversation the side panel drives. *chat.Thread satisfies it.
type Thread interface {
	Submit(ctx context.Context, text string) (agent.Result, error)
	NewConversation(ctx context.Context) error
	Open(ctx context.Context, sessionID string) error
	SetHandsFree(ctx context.Context, on bool) error
	SetAssistantSpeaking(ctx context.Context, speaking bool) error
	StartRecording(ctx context.Context) (string, error)
	StopRecording(ctx context.Context) error
	State() chat.State
	Messages() []schemas.ChatMessage
}

// PageObserver captures the current page. *relay.Observer satisfies it.
type PageObserver interface {
	Observe(ctx context.Context) (schemas.PageState, error)
}

// -- Payloads --

// SubmitPayload is the data of a chat.submit message.
type SubmitPayload struct {
	Text string `json:"text"`
}

// OpenPayload is the data of a chat.open message.
type OpenPayload struct {
	SessionID string `json:"sessionId"`
}

// TogglePayload is the data of handsfree.set and assistant.speaking.
type TogglePayload struct {
	Enabled bool `json:"enabled"`
}

// ErrorPayload is the data of an error message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Server hosts the side panel bridge.
type Server struct {
	cfg     config.ServerConfig
	logger  *zap.Logger
	manager *Manager
	thread  Thread
	pages   PageObserver

	ctx     context.Context
	cancel  context.CancelFunc
	addr    chan string
	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// NewServer wires the manager's inbound messages to the thread. pages may be nil.
func NewServer(cfg config.ServerConfig, logger *zap.Logger, manager *Manager, thread Thread, pages PageObserver) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		logger:  logger.Named("server"),
		manager: manager,
		thread:  thread,
		pages:   pages,
		ctx:     ctx,
		cancel:  cancel,
		addr:    make(chan string, 1),
	}
	manager.SetHandler(s.dispatch)
	manager.SetGreeting(s.greeting)
	return s
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// The websocket route stays outside the request logger and timeout.
	r.Get("/ws", s.manager.HandleWS)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/healthz", s.handleHealth)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	state := s.thread.State()
	body, err := json.Marshal(map[string]interface{}{
		"status":       "ok",
		"isProcessing": state.Processing,
		"handsFree":    state.HandsFree,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// Addr reports the listening address once Run has bound it.
func (s *Server) Addr(ctx context.Context) (string, error) {
	select {
	case a := <-s.addr:
		s.addr <- a
		return a, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run serves HTTP and the websocket manager until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.addr <- ln.Addr().String()

	httpServer := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	managerCtx, stopManager := context.WithCancel(ctx)
	managerDone := make(chan struct{})
	go func() {
		defer close(managerDone)
		s.manager.Run(managerCtx)
	}()

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Side panel bridge listening.", zap.String("address", ln.Addr().String()))
		errc <- httpServer.Serve(ln)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info("Shutting down the side panel bridge.")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			serveErr = fmt.Errorf("http shutdown: %w", err)
		}
		<-errc
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	stopManager()
	<-managerDone
	s.Close()
	return serveErr
}

// Close cancels in-flight commands and waits for them to return.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.pending.Wait()
}

// -- chat.Listener --

// OnMessage forwards a transcript message to the panel.
func (s *Server) OnMessage(msg schemas.ChatMessage) {
	s.manager.Send(MsgChatMessage, "", msg)
}

// OnState forwards a thread state change to the panel.
func (s *Server) OnState(state chat.State) {
	s.manager.Send(MsgChatState, "", state)
}

// OnTranscription forwards a transcription to the panel.
func (s *Server) OnTranscription(res relay.TranscriptionResult) {
	s.manager.Send(MsgTranscription, "", res)
}

func (s *Server) greeting() []WSMessage {
	var out []WSMessage
	if msg, err := NewMessage(MsgChatState, "", s.thread.State()); err == nil {
		out = append(out, msg)
	}
	for _, m := range s.thread.Messages() {
		if msg, err := NewMessage(MsgChatMessage, "", m); err == nil {
			out = append(out, msg)
		}
	}
	return out
}

// dispatch runs each inbound command on its own goroutine; a submission can
// take as long as the whole agent loop.
func (s *Server) dispatch(msg WSMessage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.pending.Done()
		if err := s.handle(s.ctx, msg); err != nil {
			s.logger.Warn("Command failed.",
				zap.String("type", string(msg.Type)),
				zap.String("request_id", msg.RequestID),
				zap.Error(err))
			s.manager.sendError(msg.RequestID, err.Error())
		}
	}()
}

func (s *Server) handle(ctx context.Context, msg WSMessage) error {
	switch msg.Type {
	case MsgChatSubmit:
		var p SubmitPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		_, err := s.thread.Submit(ctx, p.Text)
		return err

	case MsgChatNew:
		return s.thread.NewConversation(ctx)

	case MsgChatOpen:
		var p OpenPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		return s.thread.Open(ctx, p.SessionID)

	case MsgHandsFreeSet:
		var p TogglePayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		return s.thread.SetHandsFree(ctx, p.Enabled)

	case MsgAssistantSpeaking:
		var p TogglePayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		return s.thread.SetAssistantSpeaking(ctx, p.Enabled)

	case MsgRecordingStart:
		id, err := s.thread.StartRecording(ctx)
		if err != nil {
			return err
		}
		s.manager.Send(MsgChatState, msg.RequestID, s.thread.State())
		s.logger.Debug("Push-to-talk started.", zap.String("recording_id", id))
		return nil

	case MsgRecordingStop:
		return s.thread.StopRecording(ctx)

	case MsgPageCapture:
		if s.pages == nil {
			return errors.New("page capture is not available")
		}
		state, err := s.pages.Observe(ctx)
		if err != nil {
			return err
		}
		s.manager.Send(MsgPageSnapshot, msg.RequestID, state)
		return nil

	default:
		return fmt.Errorf("unknown message type: %q", msg.Type)
	}
}

func decode(msg WSMessage, v interface{}) error {
	if len(msg.Data) == 0 {
		return fmt.Errorf("%s: missing data", msg.Type)
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("%s: invalid data: %w", msg.Type, err)
	}
	return nil
}
