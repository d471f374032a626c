// Package whatsapp wraps the Whatsmeow client used as AgentRelay's native WhatsApp channel.
//
// It handles device login, sending text messages and turning incoming text events into
// models.InboundMessage values.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BTreeMap/AgentRelay/internal/models"
	"github.com/BTreeMap/AgentRelay/internal/store"
)

// Constants for WhatsApp client configuration
const (
	// DefaultDBFileName is the device database file name inside a state directory
	DefaultDBFileName = "whatsmeow.db"
	// DefaultSQLitePath is the default path for the whatsmeow device database
	DefaultSQLitePath = "/var/lib/agentrelay/" + DefaultDBFileName
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// MessageHandler receives incoming text messages.
type MessageHandler func(msg models.InboundMessage)

// WhatsAppSender is implemented by Client and MockClient.
type WhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
	AddMessageHandler(h MessageHandler)
	Disconnect()
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDriver    string // "sqlite3" or "postgres"; detected from the DSN when empty
	DBDSN       string // whatsmeow device database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw pairing code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDriver forces the whatsmeow database driver.
func WithDBDriver(driver string) Option {
	return func(o *Opts) {
		o.DBDriver = driver
	}
}

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the raw pairing code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// resolveDriver picks the database/sql driver name for a DSN.
func resolveDriver(cfg Opts) string {
	if cfg.DBDriver != "" {
		return cfg.DBDriver
	}
	if store.DetectDSNType(cfg.DBDSN) == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

// Client wraps the Whatsmeow client
type Client struct {
	waClient *whatsmeow.Client
}

var _ WhatsAppSender = (*Client)(nil)

// NewClient opens the device store, logs in (showing a QR code on first run) and connects.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", cfg.DBDSN)
	}
	dbDriver := resolveDriver(cfg)
	slog.Debug("WhatsApp NewClient options set", "driver", dbDriver, "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	if dbDriver == "sqlite3" && !strings.Contains(cfg.DBDSN, "foreign_keys") {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled; whatsmeow recommends '?_foreign_keys=on'",
			"dsn_example", "file:"+cfg.DBDSN+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, dbDriver, cfg.DBDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))
	if waClient.Store.ID == nil {
		if err := login(ctx, waClient, cfg); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient}, nil
}

// login runs the QR pairing flow until the channel closes.
func login(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("WhatsApp login required; starting QR code flow")
	qrChan, err := waClient.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to open WhatsApp QR channel: %w", err)
	}
	if err := waClient.Connect(); err != nil {
		slog.Error("Failed to connect to WhatsApp during login", "error", err)
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}

	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("WhatsApp login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	return nil
}

// SendMessage sends a text message to a phone number (digits only, no '+').
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	jid := types.NewJID(to, JIDSuffix)
	if _, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body}); err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent successfully", "to", to, "body_length", len(body))
	return nil
}

// AddMessageHandler registers h for incoming direct text messages.
func (c *Client) AddMessageHandler(h MessageHandler) {
	c.waClient.AddEventHandler(func(evt interface{}) {
		msg, ok := evt.(*events.Message)
		if !ok {
			return
		}
		if inbound, ok := toInbound(msg); ok {
			h(inbound)
		}
	})
}

// toInbound converts a whatsmeow message event; group chats, own messages and
// non-text payloads are skipped.
func toInbound(evt *events.Message) (models.InboundMessage, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.InboundMessage{}, false
	}
	body := evt.Message.GetConversation()
	if body == "" {
		body = evt.Message.GetExtendedTextMessage().GetText()
	}
	if strings.TrimSpace(body) == "" {
		return models.InboundMessage{}, false
	}
	return models.InboundMessage{
		ID:   string(evt.Info.ID),
		From: evt.Info.Sender.User,
		Body: body,
		Time: evt.Info.Timestamp.Unix(),
	}, true
}

// Disconnect closes the WhatsApp connection.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// MockClient records sent messages and lets tests inject inbound ones.
// In tests, use whatsapp.NewMockClient() instead of NewClient to avoid real WhatsApp connections.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	handlers     []MessageHandler
	SendErr      error
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

var _ WhatsAppSender = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{}
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

func (m *MockClient) AddMessageHandler(h MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Deliver simulates an incoming message.
func (m *MockClient) Deliver(msg models.InboundMessage) {
	m.mu.Lock()
	handlers := append([]MessageHandler(nil), m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}

func (m *MockClient) Disconnect() {}
