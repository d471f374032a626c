package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/AgentRelay/internal/models"
	"github.com/BTreeMap/AgentRelay/internal/store"
)

// Completer produces the next assistant reply for a conversation.
// It is implemented by *genai.Client.
type Completer interface {
	GenerateWithHistory(ctx context.Context, systemPrompt string, history []models.ConversationTurn, userMessage string) (string, error)
}

// GenAIGateway implements Gateway with locally managed conversations on top of a chat
// completion model. The first turn of every conversation holds the agent's system prompt.
type GenAIGateway struct {
	completer    Completer
	turns        store.TurnStore
	prompts      map[models.AgentType]string
	historyLimit int
	now          func() time.Time
}

// Compile-time check that GenAIGateway implements Gateway.
var _ Gateway = (*GenAIGateway)(nil)

// NewGenAIGateway creates a GenAIGateway. Every bindable agent type needs a system prompt.
func NewGenAIGateway(completer Completer, turns store.TurnStore, opts ...Option) (*GenAIGateway, error) {
	if completer == nil {
		return nil, errors.New("completer is required")
	}
	if turns == nil {
		return nil, errors.New("turn store is required")
	}
	cfg := buildOpts(opts)
	if len(cfg.SystemPrompts) == 0 {
		return nil, errors.New("no agent system prompts configured")
	}
	return &GenAIGateway{
		completer:    completer,
		turns:        turns,
		prompts:      cfg.SystemPrompts,
		historyLimit: cfg.HistoryLimit,
		now:          time.Now,
	}, nil
}

func (g *GenAIGateway) CreateConversation(ctx context.Context, agentType models.AgentType) (string, error) {
	prompt, ok := g.prompts[agentType]
	if !agentType.IsBound() || !ok || strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownAgentType, agentType)
	}
	id := uuid.NewString()
	err := g.turns.AppendTurns(ctx, models.ConversationTurn{
		ConversationID: id,
		Role:           models.RoleSystem,
		Content:        prompt,
		CreatedAt:      g.now().Unix(),
	})
	if err != nil {
		return "", &ExternalError{Op: "create conversation", Err: err}
	}
	slog.Info("GenAIGateway.CreateConversation: conversation created", "agent", agentType, "conversationID", id)
	return id, nil
}

func (g *GenAIGateway) SendMessage(ctx context.Context, conversationID, text string) (string, error) {
	history, err := g.turns.GetTurns(ctx, conversationID, g.historyLimit)
	if err != nil {
		return "", &ExternalError{Op: "send message", Err: fmt.Errorf("load history: %w", err)}
	}
	if len(history) == 0 || history[0].Role != models.RoleSystem {
		return "", &ExternalError{Op: "send message", Err: fmt.Errorf("unknown conversation %q", conversationID)}
	}

	reply, err := g.completer.GenerateWithHistory(ctx, history[0].Content, history[1:], text)
	if err != nil {
		slog.Error("GenAIGateway.SendMessage: generation failed", "error", err, "conversationID", conversationID)
		return "", &ExternalError{Op: "send message", Err: err}
	}
	if reply == "" {
		return "", &ExternalError{Op: "send message", Err: errors.New("empty reply")}
	}

	now := g.now().Unix()
	if err := g.turns.AppendTurns(ctx,
		models.ConversationTurn{ConversationID: conversationID, Role: models.RoleUser, Content: text, CreatedAt: now},
		models.ConversationTurn{ConversationID: conversationID, Role: models.RoleAssistant, Content: reply, CreatedAt: now},
	); err != nil {
		slog.Warn("GenAIGateway.SendMessage: failed to persist turns", "error", err, "conversationID", conversationID)
	}
	return reply, nil
}
