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

	"github.com/BTreeMap/AgentRelay/internal/models"
)

const maxErrorBody = 512

// HTTPGateway implements Gateway against the hosted agent API:
// POST {base}/conversations and POST {base}/messages.
type HTTPGateway struct {
	http     *http.Client
	baseURL  string
	apiKey   string
	model    string
	agentIDs AgentIDs
}

// Compile-time check that HTTPGateway implements Gateway.
var _ Gateway = (*HTTPGateway)(nil)

// NewHTTPGateway creates an HTTPGateway. A base URL and at least one agent id are required.
func NewHTTPGateway(opts ...Option) (*HTTPGateway, error) {
	cfg := buildOpts(opts)
	baseURL := strings.TrimSpace(strings.TrimRight(cfg.BaseURL, "/"))
	if baseURL == "" {
		return nil, fmt.Errorf("agent API base URL not set")
	}
	if len(cfg.AgentIDs) == 0 {
		return nil, fmt.Errorf("no agent ids configured")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	slog.Debug("NewHTTPGateway created", "base_url", baseURL, "model", cfg.Model, "api_key_set", cfg.APIKey != "", "agents", len(cfg.AgentIDs))
	return &HTTPGateway{
		http:     client,
		baseURL:  baseURL,
		apiKey:   strings.TrimSpace(cfg.APIKey),
		model:    cfg.Model,
		agentIDs: cfg.AgentIDs,
	}, nil
}

// post sends a JSON body and returns the raw 2xx response body.
func (g *HTTPGateway) post(ctx context.Context, op, path string, payload interface{}) ([]byte, error) {
	bodyRaw, err := json.Marshal(payload)
	if err != nil {
		return nil, &ExternalError{Op: op, Err: fmt.Errorf("marshal payload: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(bodyRaw))
	if err != nil {
		return nil, &ExternalError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, &ExternalError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respRaw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ExternalError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(respRaw))
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &ExternalError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected response: %s", snippet)}
	}
	return respRaw, nil
}

func (g *HTTPGateway) CreateConversation(ctx context.Context, agentType models.AgentType) (string, error) {
	agentID, err := g.agentIDs.Lookup(agentType)
	if err != nil {
		return "", err
	}

	type requestBody struct {
		AgentID string `json:"agent_id"`
	}
	type responseBody struct {
		Success bool `json:"success"`
		Data    *struct {
			ID string `json:"id"`
		} `json:"data"`
	}

	raw, err := g.post(ctx, "create conversation", "/conversations", requestBody{AgentID: agentID})
	if err != nil {
		slog.Error("HTTPGateway.CreateConversation: request failed", "error", err, "agent", agentType)
		return "", err
	}
	var out responseBody
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &ExternalError{Op: "create conversation", Err: fmt.Errorf("decode response: %w", err)}
	}
	if !out.Success || out.Data == nil || strings.TrimSpace(out.Data.ID) == "" {
		return "", &ExternalError{Op: "create conversation", Err: errors.New("response missing success flag or conversation id")}
	}
	slog.Info("HTTPGateway.CreateConversation: conversation created", "agent", agentType, "conversationID", out.Data.ID)
	return out.Data.ID, nil
}

func (g *HTTPGateway) SendMessage(ctx context.Context, conversationID, text string) (string, error) {
	type requestBody struct {
		Model          string `json:"model"`
		ConversationID string `json:"conversation_id"`
		Message        string `json:"message"`
	}

	raw, err := g.post(ctx, "send message", "/messages", requestBody{
		Model:          g.model,
		ConversationID: conversationID,
		Message:        text,
	})
	if err != nil {
		slog.Error("HTTPGateway.SendMessage: request failed", "error", err, "conversationID", conversationID)
		return "", err
	}
	reply := strings.TrimSpace(string(raw))
	if reply == "" {
		return "", &ExternalError{Op: "send message", Err: errors.New("empty reply body")}
	}
	return reply, nil
}
