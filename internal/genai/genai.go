// Package genai provides chat completions over the OpenAI API for the built-in AI agent.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/AgentRelay/internal/models"
)

// Defaults for the completion request.
const (
	DefaultModel               = string(openai.ChatModelGPT4oMini)
	DefaultTemperature         = 0.3
	DefaultMaxCompletionTokens = 512
)

var (
	// ErrMissingAPIKey is returned by NewClient when no API key was provided.
	ErrMissingAPIKey = errors.New("OpenAI API key not set")
	// ErrNoChoicesReturned is returned when a completion carries no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionService adapts the SDK completion service to chatService.
type completionService struct {
	svc *openai.ChatCompletionService
}

func (c completionService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey              string
	BaseURL             string
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) {
		o.BaseURL = url
	}
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) {
		o.Temperature = t
	}
}

// WithMaxCompletionTokens caps the reply length.
func WithMaxCompletionTokens(n int64) Option {
	return func(o *Opts) {
		o.MaxCompletionTokens = n
	}
}

// Client wraps the OpenAI ChatCompletion service.
type Client struct {
	chat                chatService
	model               string
	temperature         float64
	maxCompletionTokens int64
}

// NewClient initializes a new GenAI client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:               DefaultModel,
		Temperature:         DefaultTemperature,
		MaxCompletionTokens: DefaultMaxCompletionTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("GenAI client created", "model", cfg.Model, "custom_base_url", cfg.BaseURL != "")
	return &Client{
		chat:                completionService{svc: &cli.Chat.Completions},
		model:               cfg.Model,
		temperature:         cfg.Temperature,
		maxCompletionTokens: cfg.MaxCompletionTokens,
	}, nil
}

// GeneratePrompt generates a response based on the provided system and user prompts.
func (c *Client) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.GenerateWithHistory(ctx, systemPrompt, nil, userPrompt)
}

// GenerateWithHistory generates the next assistant reply for a conversation. System turns
// inside history are skipped; systemPrompt is always sent first.
func (c *Client) GenerateWithHistory(ctx context.Context, systemPrompt string, history []models.ConversationTurn, userMessage string) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	for _, turn := range history {
		switch turn.Role {
		case models.RoleUser:
			messages = append(messages, openai.UserMessage(turn.Content))
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		}
	}
	messages = append(messages, openai.UserMessage(userMessage))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	}
	if c.temperature > 0 {
		params.Temperature = openai.Float(c.temperature)
	}
	if c.maxCompletionTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxCompletionTokens)
	}

	slog.Debug("GenAI.GenerateWithHistory: sending request", "model", c.model, "messages", len(messages))
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI.GenerateWithHistory: completion failed", "error", err, "model", c.model)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
