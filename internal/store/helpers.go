package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/BTreeMap/AgentRelay/internal/models"
)

// userColumns is the select list matching scanUser.
const userColumns = "phone, state, agent, last_message, cs_conversation_id, sales_conversation_id, last_activity_timestamp"

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanUser scans a UserRecord selected with userColumns.
func scanUser(row rowScanner) (*models.UserRecord, error) {
	var rec models.UserRecord
	var state, agent string
	var csID, salesID sql.NullString
	var lastActivity sql.NullTime
	if err := row.Scan(&rec.Phone, &state, &agent, &rec.LastMessage, &csID, &salesID, &lastActivity); err != nil {
		return nil, err
	}

	var err error
	if rec.State, err = models.ParseConversationState(state); err != nil {
		return nil, fmt.Errorf("user %s: %w", rec.Phone, err)
	}
	if rec.Agent, err = models.ParseAgentType(agent); err != nil {
		return nil, fmt.Errorf("user %s: %w", rec.Phone, err)
	}
	if csID.Valid {
		rec.CSConversationID = &csID.String
	}
	if salesID.Valid {
		rec.SalesConversationID = &salesID.String
	}
	if lastActivity.Valid {
		t := lastActivity.Time.UTC()
		rec.LastActivityAt = &t
	}
	return &rec, nil
}

// buildUpdate renders the SET clause of a partial update. placeholder returns the
// bind marker for the n-th (1-based) argument. The phone key is appended as the last argument.
func buildUpdate(table string, phone string, update models.UserUpdate, placeholder func(n int) string) (string, []interface{}) {
	fields := update.Fields()
	sets := make([]string, 0, len(fields))
	args := make([]interface{}, 0, len(fields)+1)
	for i, f := range fields {
		sets = append(sets, fmt.Sprintf("%s = %s", f.Column, placeholder(i+1)))
		args = append(args, f.Value)
	}
	args = append(args, phone)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE phone = %s", table, strings.Join(sets, ", "), placeholder(len(fields)+1))
	return query, args
}

// trimTurns keeps the first turn plus the most recent limit-1 turns.
func trimTurns(turns []models.ConversationTurn, limit int) []models.ConversationTurn {
	if limit <= 0 || len(turns) <= limit {
		return turns
	}
	if limit == 1 {
		return turns[:1]
	}
	out := make([]models.ConversationTurn, 0, limit)
	out = append(out, turns[0])
	out = append(out, turns[len(turns)-(limit-1):]...)
	return out
}

// unavailable wraps a driver error with ErrUnavailable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
