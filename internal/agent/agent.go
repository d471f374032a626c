// Package agent talks to the upstream AI agents that users are routed to.
//
// A Gateway opens conversations for an agent type and relays user text into them.
// HTTPGateway speaks the hosted agent API; GenAIGateway runs the agents locally on
// OpenAI chat completions with the conversation history kept in a TurnStore.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/BTreeMap/AgentRelay/internal/models"
)

// ErrUnknownAgentType is returned when no upstream agent is configured for a type.
var ErrUnknownAgentType = errors.New("unknown agent type")

// Gateway opens upstream conversations and relays messages into them.
type Gateway interface {
	// CreateConversation opens a new conversation with the agent behind agentType.
	CreateConversation(ctx context.Context, agentType models.AgentType) (string, error)
	// SendMessage posts text into a conversation and returns the agent's reply.
	SendMessage(ctx context.Context, conversationID, text string) (string, error)
}

// ExternalError describes a failed call to the upstream agent service.
type ExternalError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *ExternalError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("agent %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("agent %s: %v", e.Op, e.Err)
}

func (e *ExternalError) Unwrap() error {
	return e.Err
}

// AgentIDs maps each bindable agent type to its upstream agent identifier.
type AgentIDs map[models.AgentType]string

// Lookup returns the upstream id for agentType.
func (ids AgentIDs) Lookup(agentType models.AgentType) (string, error) {
	if !agentType.IsBound() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAgentType, agentType)
	}
	id, ok := ids[agentType]
	if !ok || id == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownAgentType, agentType)
	}
	return id, nil
}

// Defaults for gateway construction.
const (
	DefaultModel        = "gpt-4o-mini"
	DefaultTimeout      = 15 * time.Second
	DefaultHistoryLimit = 20
)

// Opts holds configuration options for agent gateways.
type Opts struct {
	BaseURL       string
	APIKey        string
	Model         string
	AgentIDs      AgentIDs
	SystemPrompts map[models.AgentType]string
	HistoryLimit  int
	Timeout       time.Duration
	HTTPClient    *http.Client
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithBaseURL sets the root URL of the agent API.
func WithBaseURL(url string) Option {
	return func(o *Opts) {
		o.BaseURL = url
	}
}

// WithAPIKey sets the bearer token sent to the agent API.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithModel sets the model identifier sent with every message.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// WithAgentIDs sets the agent type to upstream id table.
func WithAgentIDs(ids AgentIDs) Option {
	return func(o *Opts) {
		o.AgentIDs = ids
	}
}

// WithSystemPrompts sets the per-agent system prompts used by GenAIGateway.
func WithSystemPrompts(prompts map[models.AgentType]string) Option {
	return func(o *Opts) {
		o.SystemPrompts = prompts
	}
}

// WithHistoryLimit bounds the number of turns GenAIGateway sends per request.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) {
		o.HistoryLimit = n
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = d
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = c
	}
}

func buildOpts(opts []Option) Opts {
	cfg := Opts{
		Model:        DefaultModel,
		Timeout:      DefaultTimeout,
		HistoryLimit: DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
