// internal/backend/client.go
package backend

import (
	"bytes"
	"context"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxResponseBytes = 10 << 20

// TokenSource yields the stored credential. *store.Store satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (store.Token, error)
}

// APIRequest is a generic call to the backend.
type APIRequest struct {
	Endpoint string            `json:"endpoint"`
	Method   string            `json:"method,omitempty"`
	Body     interface{}       `json:"body,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// APIResponse reports the outcome of an APIRequest. Transport failures have Status 0.
type APIResponse struct {
	Success bool               `json:"success"`
	Data    stdjson.RawMessage `json:"data,omitempty"`
	Error   string             `json:"error,omitempty"`
	Status  int                `json:"status"`
}

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Message)
}

// Client talks to the reasoning and transcription backend.
type Client struct {
	logger    *zap.Logger
	base      *url.URL
	http      *http.Client
	limiter   *rate.Limiter
	tokens    TokenSource
	userAgent string
	now       func() time.Time
}

// NewClient creates a Client. tokens may be nil, in which case requests are
// sent without credentials.
func NewClient(cfg config.BackendConfig, tokens TokenSource, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid backend base URL %q", cfg.BaseURL)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		logger:    logger.Named("backend"),
		base:      base,
		http:      &http.Client{Timeout: cfg.Timeout, Transport: newCompressionTransport(nil)},
		limiter:   rate.NewLimiter(limit, burst),
		tokens:    tokens,
		userAgent: cfg.UserAgent,
		now:       time.Now,
	}, nil
}

// resolve turns an endpoint into an absolute URL against the base URL.
func (c *Client) resolve(endpoint string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimLeft(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if ref.IsAbs() {
		return ref, nil
	}
	return c.base.ResolveReference(ref), nil
}

// send performs one rate-limited request, attaching the stored bearer token
// when the caller set no Authorization header and the target is the backend.
func (c *Client) send(ctx context.Context, method, endpoint string, body io.Reader, contentType string, headers map[string]string) (*http.Response, error) {
	target, err := c.resolve(endpoint)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Authorization") == "" && strings.EqualFold(target.Host, c.base.Host) {
		if token := c.bearer(ctx); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("Backend request failed.", zap.String("method", method), zap.String("path", target.Path), zap.Error(err))
		return nil, err
	}
	c.logger.Debug("Backend request completed.",
		zap.String("method", method),
		zap.String("path", target.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))
	return resp, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}

// errorMessage extracts a human readable message from an error body.
func errorMessage(status int, body []byte) string {
	var payload struct {
		Detail  interface{} `json:"detail"`
		Error   string      `json:"error"`
		Message string      `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		switch {
		case payload.Error != "":
			return payload.Error
		case payload.Message != "":
			return payload.Message
		case payload.Detail != nil:
			if s, ok := payload.Detail.(string); ok {
				return s
			}
			if b, err := json.Marshal(payload.Detail); err == nil {
				return string(b)
			}
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) < 200 {
		return text
	}
	return http.StatusText(status)
}

// Do performs a generic API request. It never returns an error: failures are
// reported in the response.
func (c *Client) Do(ctx context.Context, req APIRequest) APIResponse {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	var body io.Reader
	contentType := ""
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return APIResponse{Error: fmt.Sprintf("failed to encode request body: %v", err)}
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
		if method == "" {
			method = http.MethodPost
		}
	}
	if method == "" {
		method = http.MethodGet
	}

	resp, err := c.send(ctx, method, req.Endpoint, body, contentType, req.Headers)
	if err != nil {
		return APIResponse{Error: err.Error()}
	}
	raw, err := readBody(resp)
	if err != nil {
		return APIResponse{Status: resp.StatusCode, Error: fmt.Sprintf("failed to read response: %v", err)}
	}

	out := APIResponse{Status: resp.StatusCode, Success: resp.StatusCode >= 200 && resp.StatusCode < 300}
	switch {
	case len(bytes.TrimSpace(raw)) == 0:
	case stdjson.Valid(raw):
		out.Data = raw
	default:
		quoted, _ := json.Marshal(string(raw))
		out.Data = quoted
	}
	if !out.Success {
		out.Error = errorMessage(resp.StatusCode, raw)
	}
	return out
}

// doJSON sends a JSON request and decodes a 2xx JSON reply into out.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, in, out interface{}) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	}
	resp, err := c.send(ctx, method, endpoint, body, contentType, nil)
	if err != nil {
		return err
	}
	return decodeReply(resp, out)
}

func decodeReply(resp *http.Response, out interface{}) error {
	raw, err := readBody(resp)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Status: resp.StatusCode, Message: errorMessage(resp.StatusCode, raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	return nil
}

// Chat sends one turn to POST /api/chat.
func (c *Client) Chat(ctx context.Context, req schemas.ChatRequest) (*schemas.AgentTurn, error) {
	var turn schemas.AgentTurn
	if err := c.doJSON(ctx, http.MethodPost, "/api/chat", req, &turn); err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	return &turn, nil
}

// Conversation fetches a stored conversation for hydration.
func (c *Client) Conversation(ctx context.Context, id string) (*schemas.ConversationRecord, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("conversation id is required")
	}
	var rec schemas.ConversationRecord
	if err := c.doJSON(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(id), nil, &rec); err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	if rec.SessionID == "" {
		rec.SessionID = id
	}
	return &rec, nil
}

// Transcribe uploads recorded audio to POST /api/transcribe and returns the text.
func (c *Client) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = "audio/wav"
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="audio"; filename="recording`+extensionFor(mimeType)+`"`)
	h.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}

	resp, err := c.send(ctx, http.MethodPost, "/api/transcribe", &buf, mw.FormDataContentType(), nil)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	var reply struct {
		Text string `json:"text"`
	}
	if err := decodeReply(resp, &reply); err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	return strings.TrimSpace(reply.Text), nil
}

func extensionFor(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "wav"):
		return ".wav"
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "mpeg"), strings.Contains(mimeType, "mp3"):
		return ".mp3"
	}
	return ".bin"
}
