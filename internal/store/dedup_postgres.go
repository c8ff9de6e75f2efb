package store

import (
	"context"
	"fmt"
	"time"
)

var (
	_ DedupRepo   = (*PostgresStore)(nil)
	_ DedupPruner = (*PostgresStore)(nil)
)

func (s *PostgresStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var seen bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM inbound_dedup WHERE message_id = $1)`, messageID).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("check inbound %s: %w", messageID, err)
	}
	return seen, nil
}

func (s *PostgresStore) RecordInbound(ctx context.Context, messageID, customerID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_dedup (message_id, customer_id, received_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
		messageID, customerID, s.now(),
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

func (s *PostgresStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`,
		s.now(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark inbound %s processed: %w", messageID, err)
	}
	return nil
}

func (s *PostgresStore) PruneInbound(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune inbound dedup: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
