package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/intynet/neti/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// expiryFor returns the absolute expiry for ttl, or nil for no expiry.
func expiryFor(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	at := now.Add(ttl).UTC()
	return &at
}

// encodeSession serialises a session after checking its invariants.
func encodeSession(s models.Session) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to store session: %w", err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal session %s: %w", s.CustomerID, err)
	}
	return data, nil
}

// decodeSession parses a stored session; failures wrap ErrCorruptSession.
func decodeSession(customerID string, data []byte) (*models.Session, error) {
	var s models.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: customer %s: %v", ErrCorruptSession, customerID, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%w: customer %s: %v", ErrCorruptSession, customerID, err)
	}
	if s.Form == nil {
		s.Form = map[models.FieldName]string{}
	}
	return &s, nil
}

// scanOutboxMessages reads every row of an outbox query and closes rows.
func scanOutboxMessages(rows *sql.Rows) ([]OutboxMessage, error) {
	defer rows.Close()
	var out []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		var payload, dedupeKey, lastError sql.NullString
		var nextAttemptAt, lockedAt sql.NullTime
		if err := rows.Scan(
			&m.ID, &m.CustomerID, &m.Channel, &payload, &m.Status, &m.Attempts,
			&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		m.Payload = payload.String
		m.DedupeKey = dedupeKey.String
		m.LastError = lastError.String
		if nextAttemptAt.Valid {
			t := nextAttemptAt.Time
			m.NextAttemptAt = &t
		}
		if lockedAt.Valid {
			t := lockedAt.Time
			m.LockedAt = &t
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return out, nil
}

// sortOutboxMessages orders replies oldest first so a customer's answers
// go out in the order they were written.
func sortOutboxMessages(msgs []OutboxMessage) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
}
