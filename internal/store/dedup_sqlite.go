package store

import (
	"context"
	"fmt"
	"time"
)

var (
	_ DedupRepo   = (*SQLiteStore)(nil)
	_ DedupPruner = (*SQLiteStore)(nil)
)

func (s *SQLiteStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var seen bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM inbound_dedup WHERE message_id = ?)`, messageID).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("check inbound %s: %w", messageID, err)
	}
	return seen, nil
}

func (s *SQLiteStore) RecordInbound(ctx context.Context, messageID, customerID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO inbound_dedup (message_id, customer_id, received_at) VALUES (?, ?, ?)`,
		messageID, customerID, s.now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound %s: %w", messageID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound %s: rows affected: %w", messageID, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`,
		s.now().UTC(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark inbound %s processed: %w", messageID, err)
	}
	return nil
}

func (s *SQLiteStore) PruneInbound(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE received_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune inbound dedup: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
