package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/AgentRelay/internal/models"
	"github.com/BTreeMap/AgentRelay/internal/util"
)

// webhookHandler routes one chat message: POST {"phone","message"} → {"exists","reply","choice"}.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.webhookHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req models.WebhookRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.webhookHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	result, err := s.router.HandleMessage(r.Context(), req.Phone, req.Message)
	if err != nil {
		if errors.Is(err, util.ErrMissingPhone) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Phone number is missing"))
			return
		}
		slog.Error("Server.webhookHandler: routing failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
		return
	}

	slog.Debug("Server.webhookHandler: message routed", "exists", result.Exists, "choice", result.Choice)
	writeJSONResponse(w, http.StatusOK, models.WebhookResponse{
		Exists: result.Exists,
		Reply:  result.Reply,
		Choice: result.Choice,
	})
}

// twilioWebhookHandler accepts Twilio's form-encoded inbound messages and queues them for
// the relay; the reply is sent asynchronously through the REST API.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.opts.TwilioValidator != nil {
		params := make(map[string]string, len(r.PostForm))
		for key := range r.PostForm {
			params[key] = r.PostForm.Get(key)
		}
		if !s.opts.TwilioValidator.Validate(s.opts.TwilioURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("Server.twilioWebhookHandler: invalid signature", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	msg := models.InboundMessage{
		ID:   r.PostForm.Get("MessageSid"),
		From: r.PostForm.Get("From"),
		Body: r.PostForm.Get("Body"),
		Time: s.now().Unix(),
	}
	if msg.From == "" || msg.Body == "" {
		slog.Warn("Server.twilioWebhookHandler: missing fields", "from_set", msg.From != "", "body_set", msg.Body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	if !s.opts.Twilio.Enqueue(msg) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	writeTwiML(w)
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	}
	if s.opts.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.opts.Health.Ping(ctx); err != nil {
			slog.Warn("Health check: store ping failed", "error", err)
			healthData["status"] = "degraded"
			healthData["error"] = "Store unavailable"
		}
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}
