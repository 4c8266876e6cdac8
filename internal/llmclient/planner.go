// internal/llmclient/planner.go
package llmclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxHistory caps the number of contents kept per session (user and model turns).
const maxHistory = 40

// ErrEmptyReply is returned when the model produced no text.
var ErrEmptyReply = errors.New("model returned an empty reply")

// generator is the subset of the genai SDK the planner needs. *genai.Models satisfies it.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type session struct {
	title   string
	history []*genai.Content
	// transcript mirrors history in chat form for hydration.
	transcript []schemas.StoredMessage
}

// Planner plans agent turns by calling Gemini directly. It keeps each
// session's history in memory and never retries a failed call.
type Planner struct {
	logger *zap.Logger
	gen    generator
	cfg    config.LLMConfig
	newID  func() string

	mu       sync.Mutex
	sessions map[string]*session
}

// NewPlanner creates a Planner backed by the genai SDK.
func NewPlanner(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*Planner, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return newPlanner(client.Models, cfg, logger), nil
}

func newPlanner(gen generator, cfg config.LLMConfig, logger *zap.Logger) *Planner {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	return &Planner{
		logger:   logger.Named("planner").With(zap.String("model", cfg.Model)),
		gen:      gen,
		cfg:      cfg,
		newID:    uuid.NewString,
		sessions: make(map[string]*session),
	}
}

// Send plans one turn. An empty or unknown SessionID starts a new session.
// History is only extended when the call succeeds.
func (p *Planner) Send(ctx context.Context, req schemas.ChatRequest) (*schemas.AgentTurn, error) {
	id, sess := p.session(req.SessionID, req.Title)

	prompt := userPrompt(req)
	userContent := genai.NewContentFromText(prompt, genai.RoleUser)

	p.mu.Lock()
	contents := make([]*genai.Content, 0, len(sess.history)+1)
	contents = append(contents, sess.history...)
	p.mu.Unlock()

	current := &genai.Content{Role: string(genai.RoleUser), Parts: []*genai.Part{genai.NewPartFromText(prompt)}}
	if req.PageState != nil && req.PageState.Screenshot != nil {
		if data, mime, ok := decodeDataURL(*req.PageState.Screenshot); ok {
			current.Parts = append(current.Parts, genai.NewPartFromBytes(data, mime))
		}
	}
	contents = append(contents, current)

	callCtx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := p.gen.GenerateContent(callCtx, p.cfg.Model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr(p.cfg.Temperature),
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		p.logger.Warn("Gemini request failed.", zap.String("session_id", id), zap.Error(err))
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	if resp == nil {
		return nil, ErrEmptyReply
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyReply
	}

	var turn schemas.AgentTurn
	if err := json.Unmarshal([]byte(extractJSON(text)), &turn); err != nil {
		p.logger.Warn("Gemini reply was not a valid turn.", zap.String("session_id", id), zap.Error(err))
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	turn.SessionID = id

	fields := []zap.Field{
		zap.String("session_id", id),
		zap.Int("actions", len(turn.Actions)),
		zap.Duration("duration", time.Since(start)),
	}
	if u := resp.UsageMetadata; u != nil {
		fields = append(fields, zap.Int32("prompt_tokens", u.PromptTokenCount), zap.Int32("total_tokens", u.TotalTokenCount))
	}
	p.logger.Info("Planned turn.", fields...)

	p.mu.Lock()
	defer p.mu.Unlock()
	if turn.Title == "" {
		turn.Title = sess.title
	}
	if turn.Title == "" {
		turn.Title = titleFrom(req.Message)
	}
	sess.title = turn.Title
	sess.history = append(sess.history, userContent, genai.NewContentFromText(extractJSON(text), genai.RoleModel))
	if over := len(sess.history) - maxHistory; over > 0 {
		sess.history = sess.history[over:]
	}
	sess.transcript = append(sess.transcript, schemas.StoredMessage{Role: schemas.RoleUser, Content: req.Message})
	if reply := replyText(turn.Actions); reply != "" {
		sess.transcript = append(sess.transcript, schemas.StoredMessage{Role: schemas.RoleAssistant, Content: reply})
	}
	return &turn, nil
}

// Conversation returns the in-memory record of a session.
func (p *Planner) Conversation(_ context.Context, id string) (*schemas.ConversationRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s not found", id)
	}
	return &schemas.ConversationRecord{
		SessionID: id,
		Title:     sess.title,
		Messages:  append([]schemas.StoredMessage(nil), sess.transcript...),
	}, nil
}

func (p *Planner) session(id, title string) (string, *session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id == "" {
		id = p.newID()
	}
	sess, ok := p.sessions[id]
	if !ok {
		sess = &session{title: title}
		p.sessions[id] = sess
	}
	return id, sess
}

func replyText(actions schemas.ActionList) string {
	var parts []string
	for _, a := range actions {
		switch v := a.(type) {
		case schemas.MessageAction:
			parts = append(parts, v.Message)
		case schemas.CompleteAction:
			if v.Message != "" {
				parts = append(parts, v.Message)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func titleFrom(message string) string {
	message = strings.Join(strings.Fields(message), " ")
	r := []rune(message)
	if len(r) <= 60 {
		return message
	}
	return strings.TrimSpace(string(r[:57])) + "..."
}

// decodeDataURL parses a base64 data URL such as "data:image/jpeg;base64,...".
func decodeDataURL(u string) ([]byte, string, bool) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(u, "data:"), ",")
	if !ok || !strings.HasPrefix(u, "data:") {
		return nil, "", false
	}
	mime, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 || mime == "" {
		return nil, "", false
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || len(data) == 0 {
		return nil, "", false
	}
	return data, mime, true
}
