package llmclient

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/genai"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/backend"
	"github.com/xkilldash9x/pagepilot/internal/config"
)

// MockGenerator is a mock implementation of the generator interface.
type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	args := m.Called(ctx, model, contents, cfg)
	resp, _ := args.Get(0).(*genai.GenerateContentResponse)
	return resp, args.Error(1)
}

func reply(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: genai.NewContentFromText(text, genai.RoleModel)}},
	}
}

func newTestPlanner(t *testing.T, gen generator) *Planner {
	t.Helper()
	p := newPlanner(gen, config.LLMConfig{Model: "test-model", Temperature: 0.2, Timeout: time.Second}, zaptest.NewLogger(t))
	p.newID = func() string { return "sess-1" }
	return p
}

func pageState() *schemas.PageState {
	shot := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8, 0xff})
	return &schemas.PageState{
		URL: "https://example.test/",
		DistilledDOM: &schemas.PageSnapshot{
			URL:   "https://example.test/",
			Title: "Example",
			Elements: []schemas.ElementDescriptor{
				{Index: 0, Selector: "#go", Tag: "button", Text: "Go", IsVisible: true, IsInteractive: true},
			},
		},
		Screenshot: &shot,
	}
}

func TestPlanner_Send(t *testing.T) {
	gen := new(MockGenerator)
	p := newTestPlanner(t, gen)

	gen.On("GenerateContent", mock.Anything, "test-model", mock.MatchedBy(func(c []*genai.Content) bool {
		// First turn: only the current content, carrying the prompt and the screenshot.
		return len(c) == 1 && len(c[0].Parts) == 2 && c[0].Parts[1].InlineData != nil &&
			c[0].Parts[1].InlineData.MIMEType == "image/jpeg"
	}), mock.MatchedBy(func(cfg *genai.GenerateContentConfig) bool {
		return cfg.ResponseMIMEType == "application/json" && cfg.SystemInstruction != nil
	})).Return(reply("```json\n"+`{"actions":[{"type":"highlight","selector":"#go"},{"type":"message","message":"Here it is."}],"needs_observation":false,"complete":true}`+"\n```"), nil).Once()

	turn, err := p.Send(context.Background(), schemas.ChatRequest{Message: "Where is the go button?", PageState: pageState()})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", turn.SessionID)
	assert.True(t, turn.Complete)
	require.Len(t, turn.Actions, 2)
	assert.Equal(t, schemas.HighlightAction{Target: schemas.Target{Selector: "#go"}}, turn.Actions[0])
	assert.Equal(t, "Where is the go button?", turn.Title)

	// The second turn carries the first exchange as history.
	gen.On("GenerateContent", mock.Anything, "test-model", mock.MatchedBy(func(c []*genai.Content) bool {
		return len(c) == 3 && c[0].Role == string(genai.RoleUser) && c[1].Role == string(genai.RoleModel)
	}), mock.Anything).Return(reply(`{"actions":[],"complete":true,"title":"Finding buttons"}`), nil).Once()

	turn, err = p.Send(context.Background(), schemas.ChatRequest{SessionID: "sess-1", Message: "thanks"})
	require.NoError(t, err)
	assert.Equal(t, "Finding buttons", turn.Title)
	gen.AssertExpectations(t)

	rec, err := p.Conversation(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Finding buttons", rec.Title)
	assert.Equal(t, []schemas.StoredMessage{
		{Role: schemas.RoleUser, Content: "Where is the go button?"},
		{Role: schemas.RoleAssistant, Content: "Here it is."},
		{Role: schemas.RoleUser, Content: "thanks"},
	}, rec.Messages)
}

func TestPlanner_Failures(t *testing.T) {
	tests := []struct {
		name    string
		resp    *genai.GenerateContentResponse
		err     error
		wantErr string
	}{
		{name: "transport", err: errors.New("quota exceeded"), wantErr: "gemini request failed: quota exceeded"},
		{name: "empty", resp: reply("  "), wantErr: ErrEmptyReply.Error()},
		{name: "not json", resp: reply("I will click it."), wantErr: "malformed response"},
		{name: "unknown action", resp: reply(`{"actions":[{"type":"teleport"}]}`), wantErr: "malformed response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := new(MockGenerator)
			p := newTestPlanner(t, gen)
			gen.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(tt.resp, tt.err).Once()

			turn, err := p.Send(context.Background(), schemas.ChatRequest{Message: "hi"})
			require.Error(t, err)
			assert.Nil(t, turn)
			assert.Contains(t, err.Error(), tt.wantErr)
			// No retry.
			gen.AssertNumberOfCalls(t, "GenerateContent", 1)

			rec, err := p.Conversation(context.Background(), "sess-1")
			require.NoError(t, err)
			assert.Empty(t, rec.Messages, "failed turns are not recorded")
		})
	}
}

func TestPlanner_UnknownConversation(t *testing.T) {
	p := newTestPlanner(t, new(MockGenerator))
	_, err := p.Conversation(context.Background(), "nope")
	assert.Error(t, err)
}

func TestUserPrompt(t *testing.T) {
	t.Run("unavailable page", func(t *testing.T) {
		out := userPrompt(schemas.ChatRequest{Message: "hello"})
		assert.Contains(t, out, "User: hello")
		assert.Contains(t, out, "Page: unavailable")
	})

	t.Run("snapshot", func(t *testing.T) {
		ps := pageState()
		ps.DistilledDOM.Elements = append(ps.DistilledDOM.Elements, schemas.ElementDescriptor{
			Index: 1, Selector: "#size", Tag: "select",
			Options:         []schemas.SelectOption{{Value: "s", Text: "Small"}, {Value: "m", Selected: true}},
			OptionsOverflow: 4,
		})
		out := userPrompt(schemas.ChatRequest{Message: "pick medium", PageState: ps})
		assert.Contains(t, out, "Page URL: https://example.test/")
		assert.Contains(t, out, `[0] <button> #go text="Go"`)
		assert.Contains(t, out, "options=[s/Small, m*] (+4)")
	})
}

func TestDecodeDataURL(t *testing.T) {
	data, mime, ok := decodeDataURL("data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png")))
	require.True(t, ok)
	assert.Equal(t, "image/png", mime)
	assert.Equal(t, []byte("png"), data)

	for _, bad := range []string{"", "image/png;base64,AAAA", "data:image/png,AAAA", "data:;base64,AAAA", "data:image/png;base64,!!"} {
		_, _, ok := decodeDataURL(bad)
		assert.False(t, ok, bad)
	}
}

func TestTitleFrom(t *testing.T) {
	assert.Equal(t, "make the text bigger", titleFrom("  make the   text bigger "))
	long := titleFrom("please help me find the cheapest flight from Lisbon to Oslo next Tuesday morning")
	assert.LessOrEqual(t, len([]rune(long)), 60)
	assert.True(t, len(long) > 3 && long[len(long)-3:] == "...")
}

func TestNewConversation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	cfg := config.NewDefaultConfig()
	client, err := backend.NewClient(cfg.Backend(), nil, logger)
	require.NoError(t, err)

	conv, err := NewConversation(ctx, cfg, client, logger)
	require.NoError(t, err)
	assert.IsType(t, backendConversation{}, conv)

	_, err = NewConversation(ctx, cfg, nil, logger)
	assert.Error(t, err)

	cfg.SetAgentMode(config.ModeGemini)
	_, err = NewConversation(ctx, cfg, client, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key is required")

	cfg.LLMCfg.APIKey = "test-key"
	conv, err = NewConversation(ctx, cfg, nil, logger)
	require.NoError(t, err)
	planner, ok := conv.(*Planner)
	require.True(t, ok)
	assert.Equal(t, "gemini-2.5-flash", planner.cfg.Model)
	assert.NotNil(t, planner.gen, "SDK client should be initialized")

	cfg.SetAgentMode("carrier-pigeon")
	_, err = NewConversation(ctx, cfg, client, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown or unsupported agent mode")
}
