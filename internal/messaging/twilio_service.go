package messaging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/AgentRelay/internal/models"
	"github.com/BTreeMap/AgentRelay/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio API. Inbound messages arrive through
// the HTTP webhook, which hands them to Enqueue.
type TwilioService struct {
	client   twiliowhatsapp.TwilioWhatsAppSender
	messages chan models.InboundMessage
	mu       sync.RWMutex
	stopped  bool
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a new TwilioService.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender) *TwilioService {
	return &TwilioService{
		client:   client,
		messages: make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
}

// ValidateAndCanonicalizeRecipient strips the "whatsapp:" prefix and every non-digit.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalizePhone(strings.TrimPrefix(recipient, twiliowhatsapp.WhatsAppPrefix))
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op; messages are pushed by the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the Messages channel.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.messages)
	slog.Info("TwilioService stopped")
	return nil
}

// SendMessage sends a message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonicalTo, body)
}

// Messages returns the channel of inbound webhook messages.
func (s *TwilioService) Messages() <-chan models.InboundMessage {
	return s.messages
}

// Enqueue hands an inbound webhook message to the relay. It returns false when the
// service is stopped or the queue stayed full for DefaultChannelTimeout.
func (s *TwilioService) Enqueue(msg models.InboundMessage) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioService dropping inbound message (service stopped)", "from", msg.From)
		return false
	}
	msg.From = strings.TrimPrefix(msg.From, twiliowhatsapp.WhatsAppPrefix)
	if msg.Time == 0 {
		msg.Time = time.Now().Unix()
	}
	select {
	case s.messages <- msg:
		slog.Debug("TwilioService enqueued inbound message", "from", msg.From, "id", msg.ID)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService messages channel blocked, dropping message", "from", msg.From)
		return false
	}
}
