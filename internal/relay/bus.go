// internal/relay/bus.go
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType names an asynchronous notification published by the relay.
type EventType string

const (
	EventTranscriptionResult EventType = "transcription-result"
	EventRecordingStopped    EventType = "recording-stopped"
	EventAutoStop            EventType = "auto-stop"
)

var allEvents = []EventType{EventTranscriptionResult, EventRecordingStopped, EventAutoStop}

// Event is the envelope for data published on the Bus.
type Event struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Type      EventType   `json:"type"`
	Payload   interface{} `json:"payload"`
}

// Bus fans events out to subscribers. Publish blocks while a subscriber's
// buffer is full, and every delivered event must be acknowledged.
type Bus struct {
	logger *zap.Logger

	subscribers map[EventType][]chan Event
	mu          sync.RWMutex
	bufferSize  int

	// processing counts delivered events that have not been acknowledged.
	processing sync.WaitGroup
	// publishing counts in-flight Publish calls.
	publishing sync.WaitGroup

	isShutdown bool
	shutdownMu sync.Mutex
}

// NewBus creates a Bus. A non-positive bufferSize uses 32.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	return &Bus{
		logger:      logger.Named("event_bus"),
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Publish delivers ev to every subscriber of its type.
func (b *Bus) Publish(ctx context.Context, ev Event) (err error) {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return fmt.Errorf("cannot publish %s: bus is shut down", ev.Type)
	}
	b.publishing.Add(1)
	b.shutdownMu.Unlock()
	defer b.publishing.Done()

	// A send on a channel closed by Shutdown panics; the delivery did not happen.
	defer func() {
		if r := recover(); r != nil {
			b.processing.Done()
			b.logger.Debug("Recovered from publish during shutdown.", zap.Any("panic", r))
			err = fmt.Errorf("failed to publish %s: bus is shutting down", ev.Type)
		}
	}()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := append([]chan Event(nil), b.subscribers[ev.Type]...)
	b.mu.RUnlock()

	for _, ch := range subs {
		b.processing.Add(1)
		select {
		case ch <- ev:
		case <-ctx.Done():
			b.processing.Done()
			return ctx.Err()
		}
	}
	b.logger.Debug("Published event.", zap.String("type", string(ev.Type)), zap.Int("subscribers", len(subs)))
	return nil
}

// Subscribe returns a channel of events of the given types (all types when
// none are given) and a function that unsubscribes and closes it.
func (b *Bus) Subscribe(types ...EventType) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(types) == 0 {
		types = allEvents
	}
	ch := make(chan Event, b.bufferSize)
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.isShutdown {
				return
			}
			for _, t := range types {
				subs := b.subscribers[t]
				for i, sub := range subs {
					if sub == ch {
						b.subscribers[t] = append(subs[:i], subs[i+1:]...)
						break
					}
				}
			}
			// Events still buffered were delivered but will never be read.
			for range len(ch) {
				<-ch
				b.processing.Done()
			}
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Acknowledge marks a received event as processed.
func (b *Bus) Acknowledge(Event) {
	b.processing.Done()
}

// Shutdown stops new publishes, closes every subscription and waits for
// delivered events to be acknowledged or ctx to end.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return nil
	}
	b.isShutdown = true
	b.shutdownMu.Unlock()

	b.mu.Lock()
	unique := make(map[chan Event]struct{})
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			unique[ch] = struct{}{}
		}
	}
	for ch := range unique {
		close(ch)
	}
	b.subscribers = make(map[EventType][]chan Event)
	b.mu.Unlock()

	b.publishing.Wait()

	done := make(chan struct{})
	go func() {
		b.processing.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bus shutdown: unacknowledged events remain: %w", ctx.Err())
	}
}
