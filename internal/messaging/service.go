// Package messaging connects chat channels to the conversation router.
//
// A Service delivers outbound text and exposes inbound messages on a channel; Relay
// reads those messages, runs them through the router and sends the replies back.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/BTreeMap/AgentRelay/internal/models"
)

// Constants for channel-backed services
const (
	// DefaultChannelBufferSize defines the default buffer size for inbound message channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
	// minPhoneDigits is the shortest accepted recipient number
	minPhoneDigits = 6
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable chat channel.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., event subscriptions).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the Messages channel.
	Stop() error

	// Messages returns a channel of incoming user messages.
	Messages() <-chan models.InboundMessage
}

// canonicalizePhone removes every non-digit and requires at least minPhoneDigits digits.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < minPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, minPhoneDigits)
	}
	return canonical, nil
}
