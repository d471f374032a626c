package models

import "time"

// Column names of the user record, shared by every store backend.
const (
	ColumnPhone               = "phone"
	ColumnState               = "state"
	ColumnAgent               = "agent"
	ColumnLastMessage         = "last_message"
	ColumnCSConversationID    = "cs_conversation_id"
	ColumnSalesConversationID = "sales_conversation_id"
	ColumnLastActivityAt      = "last_activity_timestamp"
)

// UserUpdate is a partial update of a UserRecord. Only non-nil fields change.
type UserUpdate struct {
	State               *ConversationState
	Agent               *AgentType
	LastMessage         *string
	CSConversationID    *string
	SalesConversationID *string
	LastActivityAt      *time.Time
}

// FieldValue is one column assignment of an update.
type FieldValue struct {
	Column string
	Value  interface{}
}

// IsEmpty reports whether the update changes nothing.
func (u UserUpdate) IsEmpty() bool {
	return len(u.Fields()) == 0
}

// Fields returns the column assignments in a stable order.
func (u UserUpdate) Fields() []FieldValue {
	var fields []FieldValue
	if u.State != nil {
		fields = append(fields, FieldValue{ColumnState, string(*u.State)})
	}
	if u.Agent != nil {
		fields = append(fields, FieldValue{ColumnAgent, string(*u.Agent)})
	}
	if u.LastMessage != nil {
		fields = append(fields, FieldValue{ColumnLastMessage, *u.LastMessage})
	}
	if u.CSConversationID != nil {
		fields = append(fields, FieldValue{ColumnCSConversationID, *u.CSConversationID})
	}
	if u.SalesConversationID != nil {
		fields = append(fields, FieldValue{ColumnSalesConversationID, *u.SalesConversationID})
	}
	if u.LastActivityAt != nil {
		fields = append(fields, FieldValue{ColumnLastActivityAt, u.LastActivityAt.UTC()})
	}
	return fields
}

// Apply copies the non-nil fields of the update onto rec.
func (u UserUpdate) Apply(rec *UserRecord) {
	if u.State != nil {
		rec.State = *u.State
	}
	if u.Agent != nil {
		rec.Agent = *u.Agent
	}
	if u.LastMessage != nil {
		rec.LastMessage = *u.LastMessage
	}
	if u.CSConversationID != nil {
		v := *u.CSConversationID
		rec.CSConversationID = &v
	}
	if u.SalesConversationID != nil {
		v := *u.SalesConversationID
		rec.SalesConversationID = &v
	}
	if u.LastActivityAt != nil {
		v := *u.LastActivityAt
		rec.LastActivityAt = &v
	}
}

// MessageUpdate records an inbound message and moves the user to StateSelecting.
func MessageUpdate(message string) UserUpdate {
	state := StateSelecting
	return UserUpdate{State: &state, LastMessage: &message}
}

// AgentUpdate binds (or unbinds, with AgentNone) an agent and refreshes the activity timestamp.
func AgentUpdate(agent AgentType, now time.Time) UserUpdate {
	return UserUpdate{Agent: &agent, LastActivityAt: &now}
}

// ActivityUpdate refreshes the activity timestamp.
func ActivityUpdate(now time.Time) UserUpdate {
	return UserUpdate{LastActivityAt: &now}
}

// ConversationUpdate stores a conversation handle in the slot of the given agent.
// It returns an empty update for AgentNone or unknown agents.
func ConversationUpdate(agent AgentType, conversationID string) UserUpdate {
	switch agent {
	case AgentCustomerService:
		return UserUpdate{CSConversationID: &conversationID}
	case AgentSales:
		return UserUpdate{SalesConversationID: &conversationID}
	default:
		return UserUpdate{}
	}
}
