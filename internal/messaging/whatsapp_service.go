package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/AgentRelay/internal/models"
	"github.com/BTreeMap/AgentRelay/internal/whatsapp"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	messages chan models.InboundMessage
	mu       sync.RWMutex
	started  bool
	stopped  bool
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given client.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	return &WhatsAppService{
		client:   client,
		messages: make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
}

// ValidateAndCanonicalizeRecipient reduces a phone number to its digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start subscribes to incoming WhatsApp messages.
func (s *WhatsAppService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	s.client.AddMessageHandler(s.handleIncomingMessage)
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop disconnects the client and closes the Messages channel.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.client.Disconnect()
	close(s.messages)
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// SendMessage sends a text message.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		return err
	}
	slog.Debug("WhatsAppService message sent", "to", canonicalTo, "body_length", len(body))
	return nil
}

// Messages returns a channel of incoming messages.
func (s *WhatsAppService) Messages() <-chan models.InboundMessage {
	return s.messages
}

// handleIncomingMessage forwards a message without blocking the whatsmeow event loop for long.
func (s *WhatsAppService) handleIncomingMessage(msg models.InboundMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("WhatsAppService dropping inbound message (service stopped)", "from", msg.From)
		return
	}
	select {
	case s.messages <- msg:
		slog.Debug("WhatsAppService incoming message forwarded", "from", msg.From, "id", msg.ID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService messages channel blocked, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
	}
}
