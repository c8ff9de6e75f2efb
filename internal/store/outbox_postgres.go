package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var _ OutboxRepo = (*PostgresStore)(nil)

func (s *PostgresStore) EnqueueReply(ctx context.Context, e OutboxEntry) (string, error) {
	now := s.now()
	if e.DedupeKey != "" {
		var existing string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM reply_outbox WHERE dedupe_key = $1 AND status IN ('queued', 'sending')`,
			e.DedupeKey,
		).Scan(&existing)
		switch {
		case err == nil:
			slog.Debug("PostgresStore.EnqueueReply: dedupe hit", "dedupeKey", e.DedupeKey, "id", existing)
			return existing, nil
		case !errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("outbox dedupe check: %w", err)
		}
	}

	id := newOutboxID()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reply_outbox (id, customer_id, channel, payload, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $6)`,
		id, e.CustomerID, e.Channel, e.Payload, nilIfEmpty(e.DedupeKey), now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue reply: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueReply", "id", id, "customerID", e.CustomerID, "channel", e.Channel)
	return id, nil
}

// ClaimDueReplies skips rows locked by another instance, so two senders
// never claim the same reply.
func (s *PostgresStore) ClaimDueReplies(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE reply_outbox SET status = 'sending', locked_at = $1, updated_at = $1
		 WHERE id IN (
			SELECT id FROM reply_outbox
			WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
			ORDER BY created_at ASC LIMIT $2
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+outboxColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due replies: %w", err)
	}
	msgs, err := scanOutboxMessages(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING does not preserve the subquery order.
	sortOutboxMessages(msgs)
	return msgs, nil
}

func (s *PostgresStore) MarkReplySent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reply_outbox SET status = 'sent', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark reply %s sent: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) RetryReply(ctx context.Context, id, errMsg string, next time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reply_outbox SET status = 'queued', attempts = attempts + 1, last_error = $1, next_attempt_at = $2, locked_at = NULL, updated_at = $3
		 WHERE id = $4`,
		errMsg, next, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("retry reply %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) AbandonReply(ctx context.Context, id, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reply_outbox SET status = 'failed', attempts = attempts + 1, last_error = $1, locked_at = NULL, updated_at = $2 WHERE id = $3`,
		errMsg, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("abandon reply %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleReplies(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE reply_outbox SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'sending' AND locked_at < $2`,
		s.now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale replies: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
