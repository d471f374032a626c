// Package twiliowhatsapp wraps the Twilio API for the WhatsApp channel: outbound messages via
// the REST API and signature checks for inbound webhooks.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// WhatsAppPrefix marks WhatsApp addresses in Twilio's To/From fields.
const WhatsAppPrefix = "whatsapp:"

// TwilioWhatsAppSender is implemented by Client and MockClient.
type TwilioWhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// messageCreator is the part of the Twilio REST API used here.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token, also used to validate webhook signatures.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number ("+1234567890" or "whatsapp:+1234567890").
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	api       messageCreator
	fromWhats string
}

var _ TwilioWhatsAppSender = (*Client)(nil)

// NewClient creates a Twilio client. Account SID, auth token and sender are required.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{api: rest.Api, fromWhats: WhatsAppAddress(cfg.FromWhats)}, nil
}

// WhatsAppAddress formats a phone number as a Twilio WhatsApp address.
func WhatsAppAddress(number string) string {
	number = strings.TrimSpace(number)
	if strings.HasPrefix(number, WhatsAppPrefix) {
		return number
	}
	if !strings.HasPrefix(number, "+") {
		number = "+" + number
	}
	return WhatsAppPrefix + number
}

// SendMessage sends a WhatsApp message using Twilio API
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(WhatsAppAddress(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	resp, err := c.api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Twilio message sent", "to", to, "sid", sid)
	return nil
}

// SignatureValidator checks X-Twilio-Signature headers.
type SignatureValidator struct {
	validator twilioClient.RequestValidator
}

// NewSignatureValidator creates a validator for the account's auth token.
func NewSignatureValidator(authToken string) *SignatureValidator {
	return &SignatureValidator{validator: twilioClient.NewRequestValidator(authToken)}
}

// Validate reports whether signature matches the public webhook URL and form parameters.
func (v *SignatureValidator) Validate(url string, params map[string]string, signature string) bool {
	if signature == "" {
		return false
	}
	return v.validator.Validate(url, params, signature)
}

// MockClient records messages instead of calling Twilio.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	SendErr      error
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

var _ TwilioWhatsAppSender = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}
