// Package flow routes inbound chat messages between the service menu and the upstream agents.
//
// Router is a small per-user state machine: the first message creates the user record and
// greets, menu inputs bind or unbind an agent, and any other text is relayed to the bound
// agent's conversation, which is replaced once it has been idle past the inactivity threshold.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/AgentRelay/internal/agent"
	"github.com/BTreeMap/AgentRelay/internal/models"
	"github.com/BTreeMap/AgentRelay/internal/store"
	"github.com/BTreeMap/AgentRelay/internal/util"
)

// Router defaults
const (
	DefaultInactivityThreshold = 30 * time.Minute
	DefaultCallTimeout         = 15 * time.Second
)

// Config holds the router's tunables.
type Config struct {
	// InactivityThreshold is the idle time after which a bound agent's conversation is replaced.
	InactivityThreshold time.Duration
	// CallTimeout bounds every store and agent call made while handling one message.
	CallTimeout time.Duration
	Replies     Replies
	// Now overrides the clock (tests).
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.InactivityThreshold <= 0 {
		c.InactivityThreshold = DefaultInactivityThreshold
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.Replies = c.Replies.WithDefaults()
	return c
}

// Result is the outcome of handling one inbound message.
type Result struct {
	Exists bool   `json:"exists"`
	Reply  string `json:"reply"`
	Choice string `json:"choice"`
}

// Router implements the conversation state machine.
type Router struct {
	users  store.UserStore
	agents agent.Gateway
	cfg    Config
	locks  *KeyedMutex
}

// NewRouter creates a Router over the given user store and agent gateway.
func NewRouter(users store.UserStore, agents agent.Gateway, cfg Config) (*Router, error) {
	if users == nil {
		return nil, errors.New("user store is required")
	}
	if agents == nil {
		return nil, errors.New("agent gateway is required")
	}
	cfg = cfg.withDefaults()
	slog.Debug("Router.NewRouter: router created", "inactivityThreshold", cfg.InactivityThreshold, "callTimeout", cfg.CallTimeout)
	return &Router{
		users:  users,
		agents: agents,
		cfg:    cfg,
		locks:  NewKeyedMutex(),
	}, nil
}

// HandleMessage processes one inbound message and returns the reply for the user.
// The only error is util.ErrMissingPhone; every other failure is reported through the reply text.
func (r *Router) HandleMessage(ctx context.Context, rawPhone, message string) (Result, error) {
	phone, err := util.NormalizePhone(rawPhone)
	if err != nil {
		slog.Warn("Router.HandleMessage: rejected phone", "error", err)
		return Result{}, err
	}

	unlock := r.locks.Lock(phone)
	defer unlock()

	rec := r.fetch(ctx, phone)
	if rec == nil {
		created, wasCreated, err := r.create(ctx, phone, message)
		if err != nil {
			return Result{Reply: r.cfg.Replies.SystemError, Choice: models.ChoiceNone}, nil
		}
		if wasCreated {
			slog.Info("Router.HandleMessage: new user", "phone", phone)
			return Result{Reply: r.cfg.Replies.Welcome, Choice: models.ChoiceNone}, nil
		}
		rec = created
	}
	return r.route(ctx, rec, message), nil
}

// route handles a message from a user whose record already exists. rec is the state before
// this message.
func (r *Router) route(ctx context.Context, rec *models.UserRecord, message string) Result {
	r.update(ctx, rec.Phone, models.MessageUpdate(message), "message")

	text := strings.TrimSpace(message)
	if choice, ok := menuChoice(text); ok {
		return r.bind(ctx, rec.Phone, choice)
	}
	if !rec.Agent.IsBound() {
		slog.Debug("Router.route: no agent bound, prompting menu", "phone", rec.Phone)
		return Result{Exists: true, Reply: r.cfg.Replies.InvalidChoice, Choice: models.ChoiceInvalid}
	}
	return r.relay(ctx, rec, message)
}

// bind records the agent selected from the menu (AgentNone unbinds).
func (r *Router) bind(ctx context.Context, phone string, choice models.AgentType) Result {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	if _, err := r.users.UpdateUser(callCtx, phone, models.AgentUpdate(choice, r.cfg.Now())); err != nil {
		slog.Error("Router.bind: failed to store agent choice", "error", err, "phone", phone, "agent", choice)
		return Result{Exists: true, Reply: r.cfg.Replies.SystemError, Choice: string(choice)}
	}

	if !choice.IsBound() {
		slog.Info("Router.bind: agent unbound", "phone", phone)
		return Result{Exists: true, Reply: r.cfg.Replies.Disconnected, Choice: models.ChoiceNone}
	}
	slog.Info("Router.bind: agent bound", "phone", phone, "agent", choice)
	return Result{Exists: true, Reply: r.cfg.Replies.connected(choice), Choice: string(choice)}
}

// relay forwards text to the bound agent, opening a new upstream conversation when the
// stored one is missing or stale.
func (r *Router) relay(ctx context.Context, rec *models.UserRecord, message string) Result {
	bound := rec.Agent
	result := Result{Exists: true, Choice: string(bound)}

	conversationID := rec.ConversationID(bound)
	if conversationID == "" || IsInactive(rec.LastActivityAt, r.cfg.InactivityThreshold, r.cfg.Now()) {
		id, err := r.createConversation(ctx, bound)
		if err != nil {
			slog.Error("Router.relay: failed to create conversation", "error", err, "phone", rec.Phone, "agent", bound)
			result.Reply = r.cfg.Replies.SystemError
			return result
		}
		slog.Info("Router.relay: started conversation", "phone", rec.Phone, "agent", bound, "conversationID", id)
		conversationID = id
		r.update(ctx, rec.Phone, models.ConversationUpdate(bound, id), "conversation")
	}

	reply, err := r.sendMessage(ctx, conversationID, message)
	if err != nil {
		slog.Error("Router.relay: agent call failed", "error", err, "phone", rec.Phone, "agent", bound, "conversationID", conversationID)
		reply = r.cfg.Replies.AgentError
	}
	r.update(ctx, rec.Phone, models.ActivityUpdate(r.cfg.Now()), "activity")

	result.Reply = reply
	return result
}

func (r *Router) fetch(ctx context.Context, phone string) *models.UserRecord {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	rec, err := r.users.GetUser(callCtx, phone)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			slog.Error("Router.fetch: user store unavailable, treating user as new", "error", err, "phone", phone)
		} else {
			slog.Error("Router.fetch: failed to load user, treating user as new", "error", err, "phone", phone)
		}
		return nil
	}
	return rec
}

func (r *Router) create(ctx context.Context, phone, message string) (*models.UserRecord, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	rec, created, err := r.users.CreateUser(callCtx, phone, message)
	if err != nil {
		slog.Error("Router.create: failed to create user", "error", err, "phone", phone)
		return nil, false, err
	}
	return rec, created, nil
}

func (r *Router) createConversation(ctx context.Context, agentType models.AgentType) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	id, err := r.agents.CreateConversation(callCtx, agentType)
	if err != nil {
		return "", fmt.Errorf("create conversation for %s: %w", agentType, err)
	}
	return id, nil
}

func (r *Router) sendMessage(ctx context.Context, conversationID, text string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	return r.agents.SendMessage(callCtx, conversationID, text)
}

// update applies a best-effort write; failures are logged and the request continues.
func (r *Router) update(ctx context.Context, phone string, update models.UserUpdate, what string) {
	if update.IsEmpty() {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	if _, err := r.users.UpdateUser(callCtx, phone, update); err != nil {
		slog.Warn("Router.update: failed to persist "+what, "error", err, "phone", phone)
	}
}
