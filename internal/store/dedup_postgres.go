package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Compile-time check that PostgresStore implements DedupRepo.
var _ DedupRepo = (*PostgresStore)(nil)

func (s *PostgresStore) IsDuplicate(messageID string) (bool, error) {
	var id string
	err := s.db.QueryRow(`SELECT message_id FROM inbound_dedup WHERE message_id = $1`, messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) RecordInbound(messageID, participantID string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_id, participant_id, received_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
		messageID, participantID, s.now().UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore RecordInbound failed", "error", err, "messageID", messageID)
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) MarkProcessed(messageID string) error {
	_, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`, s.now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

var _ DedupPruner = (*PostgresStore)(nil)

func (s *PostgresStore) PruneDedup(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE received_at < $1`, cutoff.UTC())
	if err != nil {
		slog.Error("PostgresStore PruneDedup failed", "error", err)
		return 0, fmt.Errorf("prune dedup failed: %w", err)
	}
	return result.RowsAffected()
}
