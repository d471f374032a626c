package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Compile-time check that SQLiteStore implements DedupRepo.
var _ DedupRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) IsDuplicate(messageID string) (bool, error) {
	var id string
	err := s.db.QueryRow(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

// RecordInbound relies on the primary key so that concurrent deliveries of the same
// message id record it exactly once.
func (s *SQLiteStore) RecordInbound(messageID, participantID string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO inbound_dedup (message_id, participant_id, received_at) VALUES (?, ?, ?)`,
		messageID, participantID, s.now().UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore RecordInbound failed", "error", err, "messageID", messageID)
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkProcessed(messageID string) error {
	_, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, s.now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

var _ DedupPruner = (*SQLiteStore)(nil)

func (s *SQLiteStore) PruneDedup(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE received_at < ?`, cutoff.UTC())
	if err != nil {
		slog.Error("SQLiteStore PruneDedup failed", "error", err)
		return 0, fmt.Errorf("prune dedup failed: %w", err)
	}
	return result.RowsAffected()
}
