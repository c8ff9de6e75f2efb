package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var _ OutboxRepo = (*SQLiteStore)(nil)

const outboxColumns = `id, customer_id, channel, payload, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

func newOutboxID() string { return "reply_" + uuid.NewString() }

func (s *SQLiteStore) EnqueueReply(ctx context.Context, e OutboxEntry) (string, error) {
	now := s.now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	if e.DedupeKey != "" {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM reply_outbox WHERE dedupe_key = ? AND status IN ('queued', 'sending')`,
			e.DedupeKey,
		).Scan(&existing)
		switch {
		case err == nil:
			slog.Debug("SQLiteStore.EnqueueReply: dedupe hit", "dedupeKey", e.DedupeKey, "id", existing)
			return existing, nil
		case !errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("outbox dedupe check: %w", err)
		}
	}

	id := newOutboxID()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO reply_outbox (id, customer_id, channel, payload, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`,
		id, e.CustomerID, e.Channel, e.Payload, nilIfEmpty(e.DedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue reply: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit enqueue: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueReply", "id", id, "customerID", e.CustomerID, "channel", e.Channel)
	return id, nil
}

func (s *SQLiteStore) ClaimDueReplies(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	now = now.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM reply_outbox
		 WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select due replies: %w", err)
	}
	msgs, err := scanOutboxMessages(rows)
	if err != nil {
		return nil, err
	}

	for i := range msgs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE reply_outbox SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, msgs[i].ID,
		); err != nil {
			return nil, fmt.Errorf("claim reply %s: %w", msgs[i].ID, err)
		}
		msgs[i].Status = OutboxStatusSending
		msgs[i].LockedAt = &now
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return msgs, nil
}

func (s *SQLiteStore) MarkReplySent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reply_outbox SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`,
		s.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark reply %s sent: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) RetryReply(ctx context.Context, id, errMsg string, next time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reply_outbox SET status = 'queued', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		errMsg, next.UTC(), s.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("retry reply %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) AbandonReply(ctx context.Context, id, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reply_outbox SET status = 'failed', attempts = attempts + 1, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		errMsg, s.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("abandon reply %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) RequeueStaleReplies(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE reply_outbox SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`,
		s.now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale replies: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
