package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/AgentRelay/internal/flow"
	"github.com/BTreeMap/AgentRelay/internal/models"
	"github.com/BTreeMap/AgentRelay/internal/store"
)

// Router handles one inbound message and returns the reply. Implemented by *flow.Router.
type Router interface {
	HandleMessage(ctx context.Context, phone, message string) (flow.Result, error)
}

// Relay feeds a Service's inbound messages through the Router and sends the replies back.
type Relay struct {
	svc    Service
	router Router
	dedup  store.DedupRepo
}

// NewRelay creates a Relay. dedup may be nil to disable duplicate suppression.
func NewRelay(svc Service, router Router, dedup store.DedupRepo) *Relay {
	return &Relay{svc: svc, router: router, dedup: dedup}
}

// Run processes messages until ctx is cancelled or the service's channel is closed.
func (r *Relay) Run(ctx context.Context) {
	slog.Info("Relay starting message processing")
	defer slog.Info("Relay stopped message processing")

	for {
		select {
		case msg, ok := <-r.svc.Messages():
			if !ok {
				slog.Debug("Relay messages channel closed")
				return
			}
			if err := r.Process(ctx, msg); err != nil {
				slog.Error("Relay failed to process message", "error", err, "from", msg.From, "id", msg.ID)
			}
		case <-ctx.Done():
			slog.Debug("Relay stopping due to context cancellation")
			return
		}
	}
}

// Process handles a single inbound message.
func (r *Relay) Process(ctx context.Context, msg models.InboundMessage) error {
	if r.dedup != nil && msg.ID != "" {
		inserted, err := r.dedup.RecordInbound(msg.ID, msg.From)
		if err != nil {
			slog.Warn("Relay dedup check failed, processing anyway", "error", err, "id", msg.ID)
		} else if !inserted {
			slog.Info("Relay skipping duplicate message", "id", msg.ID, "from", msg.From)
			return nil
		}
	}

	to, err := r.svc.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}

	result, err := r.router.HandleMessage(ctx, msg.From, msg.Body)
	if err != nil {
		return fmt.Errorf("route message: %w", err)
	}

	if result.Reply != "" {
		if err := r.svc.SendMessage(ctx, to, result.Reply); err != nil {
			if errors.Is(err, ErrServiceStopped) {
				return err
			}
			return fmt.Errorf("send reply: %w", err)
		}
	}

	if r.dedup != nil && msg.ID != "" {
		if err := r.dedup.MarkProcessed(msg.ID); err != nil {
			slog.Warn("Relay failed to mark message processed", "error", err, "id", msg.ID)
		}
	}
	slog.Debug("Relay message processed", "from", to, "choice", result.Choice)
	return nil
}
