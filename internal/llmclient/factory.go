// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/backend"
	"github.com/xkilldash9x/pagepilot/internal/config"
)

// Conversation plans agent turns and serves stored conversations for hydration.
type Conversation interface {
	Send(ctx context.Context, req schemas.ChatRequest) (*schemas.AgentTurn, error)
	Conversation(ctx context.Context, id string) (*schemas.ConversationRecord, error)
}

// backendConversation sends turns to the reasoning service.
type backendConversation struct {
	client *backend.Client
}

func (b backendConversation) Send(ctx context.Context, req schemas.ChatRequest) (*schemas.AgentTurn, error) {
	return b.client.Chat(ctx, req)
}

func (b backendConversation) Conversation(ctx context.Context, id string) (*schemas.ConversationRecord, error) {
	return b.client.Conversation(ctx, id)
}

// NewConversation selects the conversation implementation for the configured mode.
func NewConversation(ctx context.Context, cfg config.Interface, client *backend.Client, logger *zap.Logger) (Conversation, error) {
	switch mode := cfg.Agent().Mode; mode {
	case config.ModeBackend:
		if client == nil {
			return nil, fmt.Errorf("backend mode requires a backend client")
		}
		logger.Debug("Using the backend reasoning service.", zap.String("base_url", cfg.Backend().BaseURL))
		return backendConversation{client: client}, nil
	case config.ModeGemini:
		return NewPlanner(ctx, cfg.LLM(), logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported agent mode: '%s'. Supported: [%s, %s]", mode, config.ModeBackend, config.ModeGemini)
	}
}
