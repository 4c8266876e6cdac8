// internal/server/websocket.go
package server

import (
	"context"
	stdjson "encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Inbound messages are small commands; screenshots only flow outbound.
	maxMessageSize = 64 * 1024
	// Outbound queue per client.
	sendChannelSize = 256
)

// MessageType names a websocket message.
type MessageType string

const (
	// Inbound, from the side panel.
	MsgChatSubmit        MessageType = "chat.submit"
	MsgChatNew           MessageType = "chat.new"
	MsgChatOpen          MessageType = "chat.open"
	MsgHandsFreeSet      MessageType = "handsfree.set"
	MsgRecordingStart    MessageType = "recording.start"
	MsgRecordingStop     MessageType = "recording.stop"
	MsgAssistantSpeaking MessageType = "assistant.speaking"
	MsgPageCapture       MessageType = "page.capture"

	// Outbound, to the side panel.
	MsgChatMessage   MessageType = "chat.message"
	MsgChatState     MessageType = "chat.state"
	MsgTranscription MessageType = "transcription"
	MsgError         MessageType = "error"
	MsgPageSnapshot  MessageType = "page.snapshot"
)

// WSMessage is the envelope for every websocket message in both directions.
type WSMessage struct {
	Type      MessageType        `json:"type"`
	Data      stdjson.RawMessage `json:"data,omitempty"`
	Timestamp string             `json:"timestamp"`
	RequestID string             `json:"request_id,omitempty"`
}

// NewMessage builds an outbound message, encoding data as its payload.
func NewMessage(t MessageType, requestID string, data interface{}) (WSMessage, error) {
	msg := WSMessage{
		Type:      t,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		RequestID: requestID,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return msg, err
		}
		msg.Data = raw
	}
	return msg, nil
}

// client is a middleman between the websocket connection and the manager.
type client struct {
	id      string
	manager *Manager
	conn    *websocket.Conn
	// Buffered channel of outbound messages.
	send chan []byte
}

// readPump pumps messages from the websocket connection to the manager's handler.
func (c *client) readPump() {
	defer func() {
		c.manager.unregisterClient(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.manager.logger.Warn("Websocket client read error", zap.Error(err))
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.manager.logger.Warn("Failed to unmarshal incoming message", zap.Error(err), zap.String("client_id", c.id))
			c.manager.sendError("", "invalid message: "+err.Error())
			continue
		}
		if msg.RequestID == "" {
			msg.RequestID = uuid.NewString()
		}
		c.manager.logger.Debug("Received message from client.",
			zap.String("client_id", c.id),
			zap.String("type", string(msg.Type)),
			zap.String("request_id", msg.RequestID))

		if h := c.manager.handler(); h != nil {
			h(msg)
		}
	}
}

// writePump pumps messages from the manager to the websocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The manager closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// One JSON document per frame so the panel can parse each independently.
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Manager tracks connected side panels and fans messages out to them.
type Manager struct {
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu       sync.RWMutex
	onMsg    func(WSMessage)
	greeting func() []WSMessage
}

// NewManager creates a Manager. allowedOrigins restricts the websocket
// handshake; when empty, only local and extension origins are accepted.
func NewManager(logger *zap.Logger, allowedOrigins []string) *Manager {
	m := &Manager{
		logger:     logger.Named("ws_manager"),
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, sendChannelSize),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), allowedOrigins)
		},
	}
	return m
}

func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}
	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme == "chrome-extension" {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// SetHandler installs the callback for inbound messages.
func (m *Manager) SetHandler(fn func(WSMessage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMsg = fn
}

// SetGreeting installs the source of messages sent to each new client.
func (m *Manager) SetGreeting(fn func() []WSMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.greeting = fn
}

func (m *Manager) handler() func(WSMessage) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.onMsg
}

// Run services registrations and broadcasts until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("WebSocket Manager started.")
	defer m.logger.Info("WebSocket Manager stopped.")
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			for c := range m.clients {
				close(c.send)
				delete(m.clients, c)
			}
			return
		case c := <-m.register:
			m.clients[c] = true
			m.logger.Info("New WebSocket client connected.", zap.String("client_id", c.id))
			m.greet(c)
		case c := <-m.unregister:
			if _, ok := m.clients[c]; ok {
				delete(m.clients, c)
				close(c.send)
				m.logger.Info("WebSocket client disconnected.", zap.String("client_id", c.id))
			}
		case message := <-m.broadcast:
			for c := range m.clients {
				select {
				case c.send <- message:
				default:
					m.logger.Warn("Dropping slow WebSocket client.", zap.String("client_id", c.id))
					close(c.send)
					delete(m.clients, c)
				}
			}
		}
	}
}

func (m *Manager) greet(c *client) {
	m.mu.RLock()
	fn := m.greeting
	m.mu.RUnlock()
	if fn == nil {
		return
	}
	for _, msg := range fn() {
		raw, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		select {
		case c.send <- raw:
		default:
			return
		}
	}
}

func (m *Manager) unregisterClient(c *client) {
	select {
	case m.unregister <- c:
	case <-m.done:
	}
}

// Broadcast sends a message to all connected clients. It is a no-op once
// the manager has stopped.
func (m *Manager) Broadcast(msg WSMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return err
	}
	select {
	case m.broadcast <- raw:
	case <-m.done:
	}
	return nil
}

// Send builds and broadcasts a message, logging encoding failures.
func (m *Manager) Send(t MessageType, requestID string, data interface{}) {
	msg, err := NewMessage(t, requestID, data)
	if err != nil {
		m.logger.Error("Failed to encode outbound message", zap.String("type", string(t)), zap.Error(err))
		return
	}
	_ = m.Broadcast(msg)
}

func (m *Manager) sendError(requestID, message string) {
	m.Send(MsgError, requestID, ErrorPayload{Message: message})
}

// HandleWS upgrades the request and starts the client's pumps.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("Failed to upgrade websocket", zap.Error(err))
		return
	}
	c := &client{
		id:      uuid.NewString(),
		manager: m,
		conn:    conn,
		send:    make(chan []byte, sendChannelSize),
	}
	select {
	case m.register <- c:
	case <-m.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
