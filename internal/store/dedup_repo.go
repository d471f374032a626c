package store

import (
	"time"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID     string     `json:"message_id"`
	ParticipantID string     `json:"participant_id"`
	ReceivedAt    time.Time  `json:"received_at"`
	ProcessedAt   *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
// Chat channels redeliver messages after reconnects; the relay records each
// channel message id before routing it.
type DedupRepo interface {
	// IsDuplicate checks if a message ID has already been recorded.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(messageID, participantID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(messageID string) error
}

// DedupPruner is implemented by dedup repositories that can drop old records.
type DedupPruner interface {
	// PruneDedup deletes records received before cutoff and returns how many were removed.
	PruneDedup(cutoff time.Time) (int64, error)
}
