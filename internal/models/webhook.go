package models

// Choice values returned by the webhook besides the agent names.
const (
	ChoiceNone    = ""
	ChoiceInvalid = "INVALID"
)

// WebhookRequest is the inbound webhook payload.
type WebhookRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

// WebhookResponse is returned for every processed webhook request.
type WebhookResponse struct {
	Exists bool   `json:"exists"`
	Reply  string `json:"reply"`
	Choice string `json:"choice"`
}

// ErrorResponse is the body of every non-200 webhook response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Error creates an error response with a message.
func Error(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

// InboundMessage is a message received on a chat channel (WhatsApp, Twilio).
type InboundMessage struct {
	ID   string `json:"id,omitempty"` // channel message id, used for deduplication
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// ConversationTurn is one message of a locally kept agent conversation.
type ConversationTurn struct {
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"created_at"`
}

// Roles of a ConversationTurn.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
