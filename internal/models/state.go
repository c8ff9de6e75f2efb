// Package models defines the per-customer session record persisted between messages.
package models

import (
	"errors"
	"time"
)

// DefaultHistoryLimit bounds the number of turns kept in a session.
const DefaultHistoryLimit = 20

// ValidationStatus is the outcome of checking a customer's internal ID.
type ValidationStatus string

const (
	ValidationUnchecked ValidationStatus = "unchecked"
	ValidationValid     ValidationStatus = "valid"
	ValidationInvalid   ValidationStatus = "invalid"
	// ValidationPending means the last lookup failed transiently and will be retried.
	ValidationPending ValidationStatus = "pending"
)

// Invalid verdict reasons.
const (
	ReasonNotFound = "not_found"
	ReasonInactive = "inactive"
)

var (
	ErrEmptyCustomerID = errors.New("customer id cannot be empty")
	ErrInvalidState    = errors.New("invalid conversation state")
)

// Account holds customer metadata resolved by the identity backends.
type Account struct {
	InternalID      string `json:"internal_id"`
	Name            string `json:"name,omitempty"`
	Address         string `json:"address,omitempty"`
	Phone           string `json:"phone,omitempty"`
	Status          string `json:"status,omitempty"`
	Source          string `json:"source,omitempty"`
	BackendID       string `json:"backend_id,omitempty"`
	SiteID          string `json:"site_id,omitempty"`
	ReferenceNumber string `json:"reference_number,omitempty"`
}

// Validation records the identity check state of a session.
type Validation struct {
	Status    ValidationStatus `json:"status"`
	Reason    string           `json:"reason,omitempty"`
	Account   *Account         `json:"account,omitempty"`
	Attempts  int              `json:"attempts,omitempty"`
	CheckedAt *time.Time       `json:"checked_at,omitempty"`
}

// Turn is one message of the conversation history.
type Turn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Session is the persisted conversation record for one customer.
type Session struct {
	CustomerID    string               `json:"customer_id"`
	CustomerName  string               `json:"customer_name"`
	State         StateType            `json:"state"`
	Form          map[FieldName]string `json:"form,omitempty"`
	Validation    Validation           `json:"validation"`
	History       []Turn               `json:"history,omitempty"`
	IssueCategory IssueCategory        `json:"issue_category,omitempty"`
	Handoff       bool                 `json:"handoff,omitempty"`
	TicketID      string               `json:"ticket_id,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// NewSession returns a fresh session in the greeting state.
func NewSession(customerID, customerName string, now time.Time) Session {
	return Session{
		CustomerID:   customerID,
		CustomerName: customerName,
		State:        StateGreeting,
		Form:         map[FieldName]string{},
		Validation:   Validation{Status: ValidationUnchecked},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Validate checks the structural invariants of a stored session.
func (s *Session) Validate() error {
	if s.CustomerID == "" {
		return ErrEmptyCustomerID
	}
	if !s.State.IsValid() {
		return ErrInvalidState
	}
	return nil
}

// Clone returns a deep copy so callers can mutate the result freely.
func (s Session) Clone() Session {
	out := s
	out.Form = make(map[FieldName]string, len(s.Form))
	for k, v := range s.Form {
		out.Form[k] = v
	}
	if s.History != nil {
		out.History = append([]Turn(nil), s.History...)
	}
	if s.Validation.Account != nil {
		acct := *s.Validation.Account
		out.Validation.Account = &acct
	}
	if s.Validation.CheckedAt != nil {
		at := *s.Validation.CheckedAt
		out.Validation.CheckedAt = &at
	}
	return out
}

// AppendTurn adds a turn and drops the oldest ones beyond limit.
func (s *Session) AppendTurn(role Role, text string, at time.Time, limit int) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	s.History = append(s.History, Turn{Role: role, Text: text, At: at})
	if over := len(s.History) - limit; over > 0 {
		s.History = append([]Turn(nil), s.History[over:]...)
	}
}

// VerifiedInternalID returns the internal ID only when it has passed validation.
func (s *Session) VerifiedInternalID() (string, bool) {
	if s.Validation.Status != ValidationValid {
		return "", false
	}
	id := s.Form[FieldInternalID]
	return id, id != ""
}

// MissingFields returns the required fields not yet present in the form, in order.
func (s *Session) MissingFields(required []FieldName) []FieldName {
	var missing []FieldName
	for _, f := range required {
		if s.Form[f] == "" {
			missing = append(missing, f)
		}
	}
	return missing
}
