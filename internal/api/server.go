// Package api exposes AgentRelay over HTTP and wires its components together.
//
// Endpoints: POST /webhook (JSON chat webhook), POST /twilio/webhook (Twilio WhatsApp
// messages, when enabled) and GET /health.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/AgentRelay/internal/flow"
	"github.com/BTreeMap/AgentRelay/internal/messaging"
	"github.com/BTreeMap/AgentRelay/internal/store"
	"github.com/BTreeMap/AgentRelay/internal/twiliowhatsapp"
)

// Server defaults
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	maxRequestBodyBytes    = 1 << 20
	healthCheckTimeout     = 5 * time.Second
)

// MessageRouter handles one webhook message. Implemented by *flow.Router.
type MessageRouter interface {
	HandleMessage(ctx context.Context, phone, message string) (flow.Result, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	ShutdownTimeout time.Duration
	Health          store.Pinger

	Twilio          *messaging.TwilioService
	TwilioValidator *twiliowhatsapp.SignatureValidator
	TwilioURL       string
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.ShutdownTimeout = d
	}
}

// WithHealthCheck makes /health report degraded when p fails.
func WithHealthCheck(p store.Pinger) Option {
	return func(o *Opts) {
		o.Health = p
	}
}

// WithTwilioWebhook enables POST /twilio/webhook. When validator is non-nil every request
// must carry a valid X-Twilio-Signature computed over publicURL.
func WithTwilioWebhook(svc *messaging.TwilioService, validator *twiliowhatsapp.SignatureValidator, publicURL string) Option {
	return func(o *Opts) {
		o.Twilio = svc
		o.TwilioValidator = validator
		o.TwilioURL = publicURL
	}
}

// Server serves the AgentRelay HTTP endpoints.
type Server struct {
	router MessageRouter
	opts   Opts
	now    func() time.Time
}

// NewServer creates a Server around the message router.
func NewServer(router MessageRouter, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, ShutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{router: router, opts: cfg, now: time.Now}
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.webhookHandler)
	mux.HandleFunc("/health", s.healthHandler)
	if s.opts.Twilio != nil {
		mux.HandleFunc("/twilio/webhook", s.twilioWebhookHandler)
	}
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.opts.Addr, "twilio_webhook", s.opts.Twilio != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("API server shutting down", "timeout", s.opts.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
