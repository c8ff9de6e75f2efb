package store

import (
	"context"
	"time"
)

// OutboxStatus is the delivery state of a queued reply.
type OutboxStatus string

const (
	OutboxStatusQueued  OutboxStatus = "queued"
	OutboxStatusSending OutboxStatus = "sending"
	OutboxStatusSent    OutboxStatus = "sent"
	// OutboxStatusFailed is terminal: the reply ran out of attempts.
	OutboxStatusFailed OutboxStatus = "failed"
)

// OutboxEntry is a reply to be queued.
type OutboxEntry struct {
	CustomerID string
	Channel    string
	// Payload is the JSON-encoded outbound message.
	Payload string
	// DedupeKey collapses repeated enqueues of the same reply while an
	// earlier copy is still pending. Empty disables the check.
	DedupeKey string
}

// OutboxMessage is a queued reply as stored.
type OutboxMessage struct {
	ID            string       `json:"id"`
	CustomerID    string       `json:"customer_id"`
	Channel       string       `json:"channel"`
	Payload       string       `json:"payload"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at,omitempty"`
	DedupeKey     string       `json:"dedupe_key,omitempty"`
	LockedAt      *time.Time   `json:"locked_at,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo persists replies until a channel has accepted them, so a
// crash between answering and sending does not lose the answer.
type OutboxRepo interface {
	// EnqueueReply stores e and returns its id. A pending reply with the
	// same dedupe key is returned instead of a new one.
	EnqueueReply(ctx context.Context, e OutboxEntry) (string, error)

	// ClaimDueReplies moves up to limit queued replies that are due at now
	// to sending, oldest first, and returns them.
	ClaimDueReplies(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)

	MarkReplySent(ctx context.Context, id string) error

	// RetryReply records a failed attempt and queues the reply again at next.
	RetryReply(ctx context.Context, id, errMsg string, next time.Time) error

	// AbandonReply records a failed attempt and gives up on the reply.
	AbandonReply(ctx context.Context, id, errMsg string) error

	// RequeueStaleReplies returns replies stuck in sending since before
	// staleBefore to the queue. Run once at startup.
	RequeueStaleReplies(ctx context.Context, staleBefore time.Time) (int, error)
}
