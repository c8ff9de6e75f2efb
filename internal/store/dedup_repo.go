package store

import (
	"context"
	"time"
)

// DefaultDedupRetention is how long inbound message ids are remembered.
const DefaultDedupRetention = 24 * time.Hour

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	CustomerID  string     `json:"customer_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
// Webhook providers retry deliveries, so the same provider message id can
// arrive more than once.
type DedupRepo interface {
	// IsDuplicate reports whether a message ID has already been recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(ctx context.Context, messageID, customerID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error
}

// DedupPruner is implemented by repos whose dedup records do not expire by
// themselves. Redis keys carry a TTL and need no pruning.
type DedupPruner interface {
	// PruneInbound deletes records received before cutoff.
	PruneInbound(ctx context.Context, cutoff time.Time) (int, error)
}
