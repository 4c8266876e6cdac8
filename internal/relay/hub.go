// internal/relay/hub.go
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrNoHandler is returned for a request type nobody registered.
	ErrNoHandler = errors.New("no handler registered for request type")
	// ErrClosed is returned once the hub has been closed.
	ErrClosed = errors.New("relay hub is closed")
)

// Handler serves one request type.
type Handler func(ctx context.Context, req Request) (interface{}, error)

// Hub routes each request type to exactly one handler. Every handler
// invocation runs on its own goroutine.
type Hub struct {
	logger *zap.Logger
	bus    *Bus

	mu       sync.RWMutex
	handlers map[MessageType]Handler
	closed   bool
	inflight sync.WaitGroup
}

// NewHub creates a Hub that publishes events on bus.
func NewHub(logger *zap.Logger, bus *Bus) *Hub {
	return &Hub{
		logger:   logger.Named("relay"),
		bus:      bus,
		handlers: make(map[MessageType]Handler),
	}
}

// Bus returns the hub's event bus.
func (h *Hub) Bus() *Bus { return h.bus }

// Handle registers fn for t. Registering a type twice is an error.
func (h *Hub) Handle(t MessageType, fn Handler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.handlers[t]; exists {
		return fmt.Errorf("handler for %q already registered", t)
	}
	h.handlers[t] = fn
	return nil
}

type outcome struct {
	resp interface{}
	err  error
}

// start launches the handler for req. deliver receives its outcome on the
// handler goroutine.
func (h *Hub) start(ctx context.Context, req Request, deliver func(outcome)) error {
	if req == nil {
		return errors.New("nil request")
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	fn, ok := h.handlers[req.Type()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, req.Type())
	}

	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("Relay handler panicked.", zap.String("type", string(req.Type())), zap.Any("panic", r))
				deliver(outcome{err: fmt.Errorf("handler for %s panicked: %v", req.Type(), r)})
			}
		}()
		resp, err := fn(ctx, req)
		deliver(outcome{resp: resp, err: err})
	}()
	return nil
}

// Request sends req and waits for the handler's reply or ctx.
func (h *Hub) Request(ctx context.Context, req Request) (interface{}, error) {
	out := make(chan outcome, 1)
	if err := h.start(ctx, req, func(o outcome) { out <- o }); err != nil {
		return nil, err
	}
	select {
	case o := <-out:
		return o.resp, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify sends req without waiting. The handler gets a context detached from
// ctx's cancellation so it can outlive the sender.
func (h *Hub) Notify(ctx context.Context, req Request) error {
	return h.start(context.WithoutCancel(ctx), req, func(o outcome) {
		if o.err != nil {
			h.logger.Warn("Notification handler failed.", zap.String("type", string(req.Type())), zap.Error(o.err))
		}
	})
}

// Publish publishes an event on the hub's bus.
func (h *Hub) Publish(ctx context.Context, t EventType, payload interface{}) error {
	return h.bus.Publish(ctx, Event{Type: t, Payload: payload})
}

// Close rejects new requests, waits for running handlers and shuts the bus down.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("relay close: handlers still running: %w", ctx.Err())
	}
	return h.bus.Shutdown(ctx)
}

// Call sends req and asserts the reply type.
func Call[Resp any](ctx context.Context, h *Hub, req Request) (Resp, error) {
	var zero Resp
	resp, err := h.Request(ctx, req)
	if err != nil {
		return zero, err
	}
	typed, ok := resp.(Resp)
	if !ok {
		return zero, fmt.Errorf("unexpected reply %T for %s", resp, req.Type())
	}
	return typed, nil
}
