package store

import (
	"context"
	"time"
)

// DedupRecord is one entry of the inbound delivery ledger.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	PhoneNumber string     `json:"phone_number"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// DedupRepo records provider deliveries so retried webhooks can be recognised.
// Replay safety of the conversation itself comes from the delivery ids kept in
// its history; the ledger is the operator-visible trail of what arrived and
// whether it was fully processed.
type DedupRepo interface {
	// IsDuplicate reports whether a delivery was already recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound inserts a delivery and reports whether it was new.
	RecordInbound(ctx context.Context, messageID, phoneNumber string) (bool, error)

	// MarkProcessed stamps a delivery once its replies are handed off.
	MarkProcessed(ctx context.Context, messageID string) error

	// UnprocessedInbound lists deliveries received before olderThan that were never
	// marked processed, oldest first.
	UnprocessedInbound(ctx context.Context, olderThan time.Time) ([]DedupRecord, error)
}
