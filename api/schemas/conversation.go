package schemas

import "time"

// -- Conversation Schemas --

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	SessionID string     `json:"session_id,omitempty"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	PageState *PageState `json:"page_state"`
}

// AgentTurn is one response from the reasoning service.
type AgentTurn struct {
	SessionID        string     `json:"session_id"`
	Actions          ActionList `json:"actions"`
	Complete         bool       `json:"complete"`
	NeedsObservation bool       `json:"needs_observation"`
	Title            string     `json:"title,omitempty"`
}

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system" // Local notices such as the step limit.
)

// ChatMessage is one transcript entry.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	IsError   bool      `json:"is_error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationRecord is a stored conversation as returned by GET /api/conversations/{id}.
type ConversationRecord struct {
	SessionID string          `json:"session_id"`
	Title     string          `json:"title"`
	Messages  []StoredMessage `json:"messages"`
}

// StoredMessage is one message of a stored conversation.
type StoredMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
