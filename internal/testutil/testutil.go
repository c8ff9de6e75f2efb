// Package testutil provides common test utilities and helpers for Neti tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/intynet/neti/internal/flow"
	"github.com/intynet/neti/internal/identity"
	"github.com/intynet/neti/internal/models"
	"github.com/intynet/neti/internal/store"
	"github.com/intynet/neti/internal/ticketing"
)

// DefaultCustomers is the MOCK_CUSTOMERS-style directory used by NewTestConversation.
const DefaultCustomers = "C650AD:Budi Santoso,EA429E:Siti Aminah"

// TB is the subset of testing.TB used by the helpers, so they can be tested
// against a recording fake.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// NewTestConversation builds a conversation over an in-memory store, a mock
// customer directory holding customers and the mock ticket submitter.
func NewTestConversation(t TB, customers string, opts ...flow.MachineOption) (*flow.Conversation, *store.InMemoryStore) {
	t.Helper()
	dir := ticketing.NewMockDirectory(ticketing.ParseMockCustomers(customers)...)
	validator := identity.NewValidator([]identity.Backend{
		identity.NewDirectory(identity.BackendTicketing, dir.SearchCustomers),
	})
	machine, err := flow.NewMachine(flow.Deps{Validator: validator, Submitter: ticketing.NewSubmitter(nil, 0)}, opts...)
	if err != nil {
		t.Fatalf("failed to build machine: %v", err)
	}
	st := store.NewInMemoryStore()
	return flow.NewConversation(st, machine), st
}

// SeedSessions stores sessions with no expiry.
func SeedSessions(t TB, st store.SessionStore, sessions ...models.Session) {
	t.Helper()
	for _, s := range sessions {
		if err := st.PutSession(context.Background(), s, 0); err != nil {
			t.Fatalf("failed to seed session %s: %v", s.CustomerID, err)
		}
	}
}

// NewSessionIn returns a fresh session moved to state.
func NewSessionIn(customerID string, state models.StateType) models.Session {
	s := models.NewSession(customerID, "Test Customer", time.Now())
	s.State = state
	return s
}

// AssertState fails unless the stored session of customerID is in want.
func AssertState(t TB, st store.SessionStore, customerID string, want models.StateType) {
	t.Helper()
	s, err := st.GetSession(context.Background(), customerID)
	if err != nil {
		t.Fatalf("failed to load session %s: %v", customerID, err)
		return
	}
	if s == nil {
		t.Errorf("session %s not found, want state %s", customerID, want)
		return
	}
	if s.State != want {
		t.Errorf("session %s: expected state %s, got %s", customerID, want, s.State)
	}
}

// AssertStatus fails unless rr carries the want status code.
func AssertStatus(t TB, rr *httptest.ResponseRecorder, want int, what string) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("%s: expected status %d, got %d (%s)", what, want, rr.Code, strings.TrimSpace(rr.Body.String()))
	}
}

// DecodeAPIResponse decodes the standard response envelope and checks its status.
func DecodeAPIResponse(t TB, rr *httptest.ResponseRecorder, want models.APIStatus) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode JSON response: %v (%s)", err, rr.Body.String())
		return resp
	}
	if resp.Status != string(want) {
		t.Errorf("expected status %q, got %q (%s)", want, resp.Status, resp.Message)
	}
	return resp
}

// DecodeResult re-decodes the generic result of resp into out.
func DecodeResult(t TB, resp models.APIResponse, out any) {
	t.Helper()
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("failed to re-encode result: %v", err)
		return
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("failed to decode result into %T: %v", out, err)
	}
}

// JSONRequest builds a request with a JSON body.
func JSONRequest(method, url, body string) *http.Request {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}
