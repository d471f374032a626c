// Package models defines the core data structures for AgentRelay.
//
// It includes the persisted user record, the closed enumerations for conversation
// state and agent binding, and the wire types of the inbound webhook.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConversationState is the menu state of a user.
type ConversationState string

const (
	// StateInitial is set when the record is created.
	StateInitial ConversationState = "initial"
	// StateSelecting is set on the second and every later inbound message.
	StateSelecting ConversationState = "selecting"
)

// Valid reports whether s is one of the known states.
func (s ConversationState) Valid() bool {
	switch s {
	case StateInitial, StateSelecting:
		return true
	default:
		return false
	}
}

// AgentType identifies the agent a user is bound to. The string values are the
// values stored in the user store and echoed as the webhook "choice".
type AgentType string

const (
	// AgentNone means no agent is bound.
	AgentNone AgentType = ""
	// AgentCustomerService is the customer service line.
	AgentCustomerService AgentType = "Customer Service"
	// AgentSales is the sales line.
	AgentSales AgentType = "Sales"
)

// Error variables for enum parsing
var (
	ErrInvalidState     = errors.New("invalid conversation state")
	ErrInvalidAgentType = errors.New("invalid agent type")
)

// Valid reports whether a is one of the known agent values (including none).
func (a AgentType) Valid() bool {
	switch a {
	case AgentNone, AgentCustomerService, AgentSales:
		return true
	default:
		return false
	}
}

// IsBound reports whether a names an actual agent.
func (a AgentType) IsBound() bool {
	return a == AgentCustomerService || a == AgentSales
}

// ParseConversationState converts a stored value into a ConversationState.
func ParseConversationState(s string) (ConversationState, error) {
	state := ConversationState(strings.TrimSpace(s))
	if !state.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, s)
	}
	return state, nil
}

// ParseAgentType converts a stored value into an AgentType. The legacy value
// "none" is accepted as AgentNone.
func ParseAgentType(s string) (AgentType, error) {
	trimmed := strings.TrimSpace(s)
	if strings.EqualFold(trimmed, "none") {
		return AgentNone, nil
	}
	agent := AgentType(trimmed)
	if !agent.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidAgentType, s)
	}
	return agent, nil
}

// UserRecord is the persisted per-user conversation state, keyed by normalized phone.
type UserRecord struct {
	Phone               string            `json:"phone"`
	State               ConversationState `json:"state"`
	Agent               AgentType         `json:"agent"`
	LastMessage         string            `json:"last_message"`
	CSConversationID    *string           `json:"cs_conversation_id"`
	SalesConversationID *string           `json:"sales_conversation_id"`
	LastActivityAt      *time.Time        `json:"last_activity_timestamp"`
}

// ConversationID returns the conversation handle stored for the given agent, or "".
func (u *UserRecord) ConversationID(agent AgentType) string {
	var id *string
	switch agent {
	case AgentCustomerService:
		id = u.CSConversationID
	case AgentSales:
		id = u.SalesConversationID
	}
	if id == nil {
		return ""
	}
	return *id
}

// Clone returns a deep copy of the record.
func (u *UserRecord) Clone() *UserRecord {
	if u == nil {
		return nil
	}
	c := *u
	if u.CSConversationID != nil {
		v := *u.CSConversationID
		c.CSConversationID = &v
	}
	if u.SalesConversationID != nil {
		v := *u.SalesConversationID
		c.SalesConversationID = &v
	}
	if u.LastActivityAt != nil {
		v := *u.LastActivityAt
		c.LastActivityAt = &v
	}
	return &c
}

// NewUserRecord builds the record persisted on first contact.
func NewUserRecord(phone, initialMessage string, now time.Time) *UserRecord {
	return &UserRecord{
		Phone:          phone,
		State:          StateInitial,
		Agent:          AgentNone,
		LastMessage:    initialMessage,
		LastActivityAt: &now,
	}
}
