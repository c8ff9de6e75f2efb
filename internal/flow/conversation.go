package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/intynet/neti/internal/models"
	"github.com/intynet/neti/internal/store"
)

// DefaultSessionTTL is how long an idle session is kept.
const DefaultSessionTTL = 24 * time.Hour

// Reply is the answer to one customer message.
type Reply struct {
	Text          string             `json:"text"`
	State         models.StateType   `json:"state"`
	Path          []models.StateType `json:"path,omitempty"`
	TicketID      string             `json:"ticket_id,omitempty"`
	TicketCreated bool               `json:"ticket_created,omitempty"`
	Handoff       bool               `json:"handoff,omitempty"`
}

// Stats summarises the stored sessions.
type Stats struct {
	Sessions int                      `json:"sessions"`
	ByState  map[models.StateType]int `json:"by_state"`
	Tickets  int                      `json:"tickets"`
	Handoffs int                      `json:"handoffs"`
	Locked   int                      `json:"locked"`
}

// Conversation loads, advances and saves customer sessions. Messages of the
// same customer are processed one at a time; different customers run
// concurrently.
type Conversation struct {
	store   store.SessionStore
	machine *Machine
	locks   *KeyedMutex
	ttl     time.Duration
	now     func() time.Time
}

// ConversationOpts holds configuration options for a Conversation.
type ConversationOpts struct {
	SessionTTL time.Duration
	Clock      func() time.Time
}

// ConversationOption defines a configuration option for a Conversation.
type ConversationOption func(*ConversationOpts)

// WithSessionTTL sets the idle expiry of stored sessions.
func WithSessionTTL(ttl time.Duration) ConversationOption {
	return func(o *ConversationOpts) { o.SessionTTL = ttl }
}

// WithConversationClock overrides time.Now for new sessions.
func WithConversationClock(now func() time.Time) ConversationOption {
	return func(o *ConversationOpts) { o.Clock = now }
}

// NewConversation wires a machine to a session store.
func NewConversation(st store.SessionStore, machine *Machine, opts ...ConversationOption) *Conversation {
	cfg := ConversationOpts{SessionTTL: DefaultSessionTTL, Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Conversation{
		store:   st,
		machine: machine,
		locks:   NewKeyedMutex(),
		ttl:     cfg.SessionTTL,
		now:     cfg.Clock,
	}
}

// HandleMessage processes one customer message and returns the reply.
// On internal failures the returned Reply still carries GenericFailureReply
// so callers always have something to send.
func (c *Conversation) HandleMessage(ctx context.Context, customerID, customerName, text string) (Reply, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return Reply{}, models.ErrEmptyCustomerID
	}
	if strings.TrimSpace(text) == "" {
		return Reply{}, models.ErrEmptyMessage
	}
	failed := Reply{Text: GenericFailureReply}

	unlock, err := c.locks.Lock(ctx, customerID)
	if err != nil {
		slog.Error("Conversation.HandleMessage: lock wait aborted", "customerID", customerID, "error", err)
		return failed, fmt.Errorf("acquire session lock: %w", err)
	}
	defer unlock()

	session, err := c.load(ctx, customerID, customerName)
	if err != nil {
		return failed, err
	}
	failed.State = session.State

	out, err := c.machine.Step(ctx, session, text)
	if err != nil {
		slog.Error("Conversation.HandleMessage: step failed", "customerID", customerID, "state", session.State, "error", err)
		return failed, fmt.Errorf("advance session: %w", err)
	}

	if err := c.store.PutSession(ctx, out.Session, c.ttl); err != nil {
		slog.Error("Conversation.HandleMessage: save failed", "customerID", customerID, "error", err)
		return failed, fmt.Errorf("save session: %w", err)
	}

	slog.Info("Conversation.HandleMessage: processed",
		"customerID", customerID, "from", session.State, "to", out.Session.State,
		"ticketCreated", out.TicketCreated, "handoff", out.Handoff)
	return Reply{
		Text:          out.Reply,
		State:         out.Session.State,
		Path:          out.Path,
		TicketID:      out.Session.TicketID,
		TicketCreated: out.TicketCreated,
		Handoff:       out.Handoff,
	}, nil
}

// load returns the stored session or a fresh one. A corrupt record is
// replaced rather than blocking the customer forever. The name recorded
// with the session is kept; a later display name only fills a blank one.
func (c *Conversation) load(ctx context.Context, customerID, customerName string) (models.Session, error) {
	stored, err := c.store.GetSession(ctx, customerID)
	switch {
	case errors.Is(err, store.ErrCorruptSession):
		slog.Warn("Conversation.load: discarding corrupt session", "customerID", customerID, "error", err)
		return models.NewSession(customerID, customerName, c.now()), nil
	case err != nil:
		slog.Error("Conversation.load: get session failed", "customerID", customerID, "error", err)
		return models.Session{}, fmt.Errorf("load session: %w", err)
	case stored == nil:
		return models.NewSession(customerID, customerName, c.now()), nil
	}
	if stored.CustomerName == "" {
		stored.CustomerName = customerName
	}
	return *stored, nil
}

// Reset drops the stored session so the next message starts over.
func (c *Conversation) Reset(ctx context.Context, customerID string) error {
	unlock, err := c.locks.Lock(ctx, customerID)
	if err != nil {
		return fmt.Errorf("acquire session lock: %w", err)
	}
	defer unlock()
	return c.store.DeleteSession(ctx, customerID)
}

// Get returns the stored session, or nil when there is none.
func (c *Conversation) Get(ctx context.Context, customerID string) (*models.Session, error) {
	return c.store.GetSession(ctx, customerID)
}

// List returns every live session.
func (c *Conversation) List(ctx context.Context) ([]models.Session, error) {
	return c.store.ListSessions(ctx)
}

// Stats summarises the live sessions.
func (c *Conversation) Stats(ctx context.Context) (Stats, error) {
	sessions, err := c.store.ListSessions(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Sessions: len(sessions),
		ByState:  store.CountByState(sessions),
		Locked:   c.locks.Len(),
	}
	for _, s := range sessions {
		if s.TicketID != "" {
			st.Tickets++
		}
		if s.Handoff {
			st.Handoffs++
		}
	}
	return st, nil
}
