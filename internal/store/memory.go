package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/intynet/neti/internal/models"
)

type memEntry struct {
	data      []byte
	expiresAt *time.Time
	updatedAt time.Time
}

// InMemoryStore is a process-local store used for development and tests.
// Sessions are kept serialised so every read returns an independent copy.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memEntry
	dedup    map[string]DedupRecord
	outbox   map[string]*OutboxMessage
	now      func() time.Time
}

var (
	_ SessionStore        = (*InMemoryStore)(nil)
	_ PersistenceProvider = (*InMemoryStore)(nil)
	_ Purger              = (*InMemoryStore)(nil)
	_ DedupRepo           = (*InMemoryStore)(nil)
	_ DedupPruner         = (*InMemoryStore)(nil)
	_ OutboxRepo          = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]memEntry),
		dedup:    make(map[string]DedupRecord),
		outbox:   make(map[string]*OutboxMessage),
		now:      time.Now,
	}
}

func (s *InMemoryStore) expired(e memEntry, now time.Time) bool {
	return e.expiresAt != nil && !e.expiresAt.After(now)
}

func (s *InMemoryStore) GetSession(ctx context.Context, customerID string) (*models.Session, error) {
	s.mu.RLock()
	e, ok := s.sessions[customerID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if s.expired(e, s.now()) {
		s.mu.Lock()
		if cur, still := s.sessions[customerID]; still && s.expired(cur, s.now()) {
			delete(s.sessions, customerID)
		}
		s.mu.Unlock()
		return nil, nil
	}
	return decodeSession(customerID, e.data)
}

func (s *InMemoryStore) PutSession(ctx context.Context, session models.Session, ttl time.Duration) error {
	data, err := encodeSession(session)
	if err != nil {
		return err
	}
	now := s.now()
	s.mu.Lock()
	s.sessions[session.CustomerID] = memEntry{data: data, expiresAt: expiryFor(now, ttl), updatedAt: now}
	s.mu.Unlock()
	slog.Debug("InMemoryStore.PutSession succeeded", "customerID", session.CustomerID, "state", session.State)
	return nil
}

func (s *InMemoryStore) DeleteSession(ctx context.Context, customerID string) error {
	s.mu.Lock()
	delete(s.sessions, customerID)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	now := s.now()
	type row struct {
		id string
		e  memEntry
	}
	s.mu.RLock()
	rows := make([]row, 0, len(s.sessions))
	for id, e := range s.sessions {
		if !s.expired(e, now) {
			rows = append(rows, row{id, e})
		}
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].e.updatedAt.After(rows[j].e.updatedAt) })
	out := make([]models.Session, 0, len(rows))
	for _, r := range rows {
		sess, err := decodeSession(r.id, r.e.data)
		if err != nil {
			continue
		}
		out = append(out, *sess)
	}
	return out, nil
}

func (s *InMemoryStore) PurgeExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.sessions {
		if s.expired(e, now) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Ping(ctx context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) DedupRepo() DedupRepo { return s }

func (s *InMemoryStore) OutboxRepo() OutboxRepo { return s }

func (s *InMemoryStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, customerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{MessageID: messageID, CustomerID: customerID, ReceivedAt: s.now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		now := s.now()
		rec.ProcessedAt = &now
		s.dedup[messageID] = rec
	}
	return nil
}

func (s *InMemoryStore) PruneInbound(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.dedup {
		if rec.ReceivedAt.Before(cutoff) {
			delete(s.dedup, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) EnqueueReply(ctx context.Context, e OutboxEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.DedupeKey != "" {
		for id, m := range s.outbox {
			if m.DedupeKey == e.DedupeKey && (m.Status == OutboxStatusQueued || m.Status == OutboxStatusSending) {
				return id, nil
			}
		}
	}
	now := s.now()
	id := newOutboxID()
	s.outbox[id] = &OutboxMessage{
		ID:         id,
		CustomerID: e.CustomerID,
		Channel:    e.Channel,
		Payload:    e.Payload,
		Status:     OutboxStatusQueued,
		DedupeKey:  e.DedupeKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return id, nil
}

func (s *InMemoryStore) ClaimDueReplies(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, *m)
		}
	}
	sortOutboxMessages(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		locked := now
		m := s.outbox[due[i].ID]
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		due[i] = *m
	}
	return due, nil
}

// updateReply applies fn to the stored reply, if any.
func (s *InMemoryStore) updateReply(id string, fn func(m *OutboxMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.outbox[id]; ok {
		fn(m)
		m.UpdatedAt = s.now()
	}
}

func (s *InMemoryStore) MarkReplySent(ctx context.Context, id string) error {
	s.updateReply(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
		m.LockedAt = nil
	})
	return nil
}

func (s *InMemoryStore) RetryReply(ctx context.Context, id, errMsg string, next time.Time) error {
	s.updateReply(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		m.NextAttemptAt = &next
		m.LockedAt = nil
	})
	return nil
}

func (s *InMemoryStore) AbandonReply(ctx context.Context, id, errMsg string) error {
	s.updateReply(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusFailed
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
	})
	return nil
}

func (s *InMemoryStore) RequeueStaleReplies(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

// Reply returns a copy of a queued reply, for inspection.
func (s *InMemoryStore) Reply(id string) (OutboxMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.outbox[id]
	if !ok {
		return OutboxMessage{}, false
	}
	return *m, true
}
