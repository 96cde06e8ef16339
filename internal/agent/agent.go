// Package agent talks to the AI engine that produces replies.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrEngine marks any failure to obtain a reply from the engine.
var ErrEngine = errors.New("ai engine failure")

// Engine produces the assistant reply for one user message.
type Engine interface {
	GenerateReply(ctx context.Context, tenantID, conversationID, text string) (string, error)
}

// HTTPEngine posts messages to the agent service at baseURL + "/chat/".
type HTTPEngine struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

type chatRequest struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	Query          string `json:"query"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

// NewHTTPEngine creates an HTTPEngine. The caller bounds each call with ctx;
// timeout only caps the underlying client.
func NewHTTPEngine(log *slog.Logger, baseURL, apiKey string, timeout time.Duration) *HTTPEngine {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPEngine{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.With(slog.String("component", "agent")),
	}
}

func (e *HTTPEngine) GenerateReply(ctx context.Context, tenantID, conversationID, text string) (string, error) {
	body, err := json.Marshal(chatRequest{TenantID: tenantID, ConversationID: conversationID, Query: text})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngine, err)
	}
	url := e.baseURL + "/chat/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngine, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEngine, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngine, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.logger.Error("agent error",
			slog.String("url", url),
			slog.Int("status", resp.StatusCode),
			slog.String("body_prefix", truncate(string(respBody), 300)),
		)
		return "", fmt.Errorf("%w: status %d", ErrEngine, resp.StatusCode)
	}
	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("%w: parse response: %v", ErrEngine, err)
	}
	reply := strings.TrimSpace(parsed.Reply)
	if reply == "" {
		return "", fmt.Errorf("%w: empty reply", ErrEngine)
	}
	return reply, nil
}

// EchoEngine answers with the user's own text. Used when no agent service is configured.
type EchoEngine struct{}

func (EchoEngine) GenerateReply(ctx context.Context, tenantID, conversationID, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrEngine, err)
	}
	return "You said: " + strings.TrimSpace(text), nil
}

// New returns an HTTPEngine when baseURL is set and EchoEngine otherwise.
func New(log *slog.Logger, baseURL, apiKey string, timeout time.Duration) Engine {
	if strings.TrimSpace(baseURL) == "" {
		return EchoEngine{}
	}
	return NewHTTPEngine(log, baseURL, apiKey, timeout)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
