package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/intynet/neti/internal/models"
	"github.com/intynet/neti/internal/ticketing"
)

type stubBackend struct {
	name   string
	result Lookup
	err    error
	calls  int
	delay  time.Duration
}

func (s *stubBackend) Name() string { return s.name }

func (s *stubBackend) Lookup(ctx context.Context, id string) (Lookup, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Lookup{}, ctx.Err()
		}
	}
	return s.result, s.err
}

type stubCreator struct {
	created []ticketing.Customer
	err     error
}

func (s *stubCreator) CreateCustomer(ctx context.Context, c ticketing.Customer) error {
	s.created = append(s.created, c)
	return s.err
}

func found(name, status string) Lookup {
	return Lookup{
		Found:    true,
		Account:  models.Account{InternalID: "C650AD", Name: name, Status: status},
		Customer: ticketing.Customer{ReferencesNumber: "C650AD", Name: name},
	}
}

func TestValidateFirstBackendShortCircuits(t *testing.T) {
	first := &stubBackend{name: BackendTicketing, result: found("Budi", "active")}
	second := &stubBackend{name: BackendIntynet}
	v := NewValidator([]Backend{first, second})

	verdict, err := v.Validate(context.Background(), "c650ad")
	if err != nil {
		t.Fatal(err)
	}
	if !verdict.Valid() || verdict.Account.Name != "Budi" || verdict.Account.Source != BackendTicketing {
		t.Errorf("unexpected verdict %+v", verdict)
	}
	if second.calls != 0 {
		t.Error("second backend should not be queried after a match")
	}
}

func TestValidateFallsBackAndSyncs(t *testing.T) {
	creator := &stubCreator{}
	first := &stubBackend{name: BackendTicketing}
	second := &stubBackend{name: BackendIntynet, result: found("Sari", "Active")}
	v := NewValidator([]Backend{first, second}, WithSyncer(creator, BackendIntynet))

	verdict, err := v.Validate(context.Background(), "C650AD")
	if err != nil {
		t.Fatal(err)
	}
	if !verdict.Valid() || verdict.Account.Source != BackendIntynet {
		t.Errorf("unexpected verdict %+v", verdict)
	}
	if len(creator.created) != 1 || creator.created[0].Name != "Sari" {
		t.Errorf("expected Intynet match to be synced, got %+v", creator.created)
	}
}

func TestValidateSyncFailureKeepsVerdict(t *testing.T) {
	creator := &stubCreator{err: errors.New("409")}
	b := &stubBackend{name: BackendIntynet, result: found("Sari", "")}
	v := NewValidator([]Backend{b}, WithSyncer(creator, BackendIntynet))
	verdict, err := v.Validate(context.Background(), "C650AD")
	if err != nil || !verdict.Valid() {
		t.Errorf("sync failure must not change verdict: %+v %v", verdict, err)
	}
}

func TestValidateTicketingMatchIsNotSynced(t *testing.T) {
	creator := &stubCreator{}
	b := &stubBackend{name: BackendTicketing, result: found("Budi", "")}
	v := NewValidator([]Backend{b}, WithSyncer(creator, BackendIntynet))
	v.Validate(context.Background(), "C650AD")
	if len(creator.created) != 0 {
		t.Error("ticketing matches are already registered")
	}
}

func TestValidateInactive(t *testing.T) {
	for _, status := range []string{"inactive", "Terminated", "SUSPENDED", "isolir"} {
		b := &stubBackend{name: BackendTicketing, result: found("Budi", status)}
		verdict, err := NewValidator([]Backend{b}).Validate(context.Background(), "C650AD")
		if err != nil {
			t.Fatal(err)
		}
		if verdict.Status != models.ValidationInvalid || verdict.Reason != models.ReasonInactive {
			t.Errorf("status %q: expected invalid/inactive, got %+v", status, verdict)
		}
	}
}

func TestValidateNotFound(t *testing.T) {
	v := NewValidator([]Backend{&stubBackend{name: BackendTicketing}, &stubBackend{name: BackendIntynet}})
	verdict, err := v.Validate(context.Background(), "INVALID123")
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Status != models.ValidationInvalid || verdict.Reason != models.ReasonNotFound {
		t.Errorf("expected invalid/not_found, got %+v", verdict)
	}
}

func TestValidateErrorWithoutMatchIsTransient(t *testing.T) {
	v := NewValidator([]Backend{
		&stubBackend{name: BackendTicketing, err: errors.New("connection refused")},
		&stubBackend{name: BackendIntynet},
	})
	verdict, err := v.Validate(context.Background(), "C650AD")
	if !errors.Is(err, ErrLookupFailed) {
		t.Fatalf("expected ErrLookupFailed, got %v", err)
	}
	if verdict.Status != models.ValidationPending {
		t.Errorf("expected pending status, got %s", verdict.Status)
	}
}

func TestValidateErrorThenMatchIsValid(t *testing.T) {
	v := NewValidator([]Backend{
		&stubBackend{name: BackendTicketing, err: errors.New("502")},
		&stubBackend{name: BackendIntynet, result: found("Budi", "active")},
	})
	verdict, err := v.Validate(context.Background(), "C650AD")
	if err != nil || !verdict.Valid() {
		t.Errorf("a later match should win over an earlier failure: %+v %v", verdict, err)
	}
}

func TestValidateTimeout(t *testing.T) {
	b := &stubBackend{name: BackendTicketing, delay: time.Second}
	v := NewValidator([]Backend{b}, WithTimeout(20*time.Millisecond))
	_, err := v.Validate(context.Background(), "C650AD")
	if !errors.Is(err, ErrLookupFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected timed out lookup failure, got %v", err)
	}
}

func TestValidateNoCaching(t *testing.T) {
	b := &stubBackend{name: BackendTicketing, result: found("Budi", "active")}
	v := NewValidator([]Backend{b})
	v.Validate(context.Background(), "C650AD")
	b.result = found("Budi", "terminated")
	verdict, _ := v.Validate(context.Background(), "C650AD")
	if verdict.Valid() || b.calls != 2 {
		t.Errorf("each validation must query the backend, got %+v after %d calls", verdict, b.calls)
	}
}

func TestDirectoryExactMatch(t *testing.T) {
	d := NewDirectory(BackendTicketing, func(ctx context.Context, q string) ([]ticketing.Customer, error) {
		return []ticketing.Customer{
			{ID: "1", ReferencesNumber: "C650ADX", Name: "Other"},
			{ID: "2", ReferencesNumber: "C650AD", Name: "Budi", SiteID: "S9", Status: "active"},
		}, nil
	})
	res, err := d.Lookup(context.Background(), "C650AD")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Found || res.Account.Name != "Budi" || res.Account.SiteID != "S9" || res.Account.BackendID != "2" {
		t.Errorf("unexpected lookup %+v", res)
	}

	res, _ = d.Lookup(context.Background(), "C650")
	if res.Found {
		t.Error("partial search hits must not count as a match")
	}
}

func TestDirectoryOverMockDirectory(t *testing.T) {
	mock := ticketing.NewMockDirectory(ticketing.ParseMockCustomers("C650AD:Budi")...)
	v := NewValidator([]Backend{NewDirectory(BackendTicketing, mock.SearchCustomers)})
	verdict, err := v.Validate(context.Background(), "C650AD")
	if err != nil || !verdict.Valid() {
		t.Errorf("expected mock customer to validate, got %+v %v", verdict, err)
	}
	verdict, _ = v.Validate(context.Background(), "INVALID123")
	if verdict.Valid() {
		t.Error("unknown id must not validate")
	}
}
