package flow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/intynet/neti/internal/identity"
	"github.com/intynet/neti/internal/models"
	"github.com/intynet/neti/internal/ticketing"
)

type stubValidator struct {
	mu       sync.Mutex
	accounts map[string]models.Account
	inactive map[string]bool
	err      error
	calls    []string
}

func (v *stubValidator) Validate(ctx context.Context, id string) (identity.Verdict, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id = strings.ToUpper(id)
	v.calls = append(v.calls, id)
	if v.err != nil {
		return identity.Verdict{Status: models.ValidationPending}, v.err
	}
	if v.inactive[id] {
		return identity.Verdict{Status: models.ValidationInvalid, Reason: models.ReasonInactive}, nil
	}
	acc, ok := v.accounts[id]
	if !ok {
		return identity.Verdict{Status: models.ValidationInvalid, Reason: models.ReasonNotFound}, nil
	}
	return identity.Verdict{Status: models.ValidationValid, Account: &acc}, nil
}

type stubSubmitter struct {
	mu      sync.Mutex
	reports []ticketing.Report
	fail    []error
}

func (s *stubSubmitter) Submit(ctx context.Context, r ticketing.Report) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	if len(s.fail) > 0 {
		err := s.fail[0]
		s.fail = s.fail[1:]
		return "", err
	}
	return "RPT-1", nil
}

func (s *stubSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

type stubLLM struct {
	reply string
	err   error
	calls int
}

func (l *stubLLM) Complete(ctx context.Context, system string, history []models.Turn, user string) (string, error) {
	l.calls++
	return l.reply, l.err
}

func testAccounts() map[string]models.Account {
	return map[string]models.Account{
		"C650AD": {InternalID: "C650AD", Name: "Budi Santoso", Address: "Jl. Ahmad Yani 12", BackendID: "881", SiteID: "17", ReferenceNumber: "C650AD"},
		"EA429E": {InternalID: "EA429E", Name: "Sari Dewi", BackendID: "902"},
	}
}

func newTestMachine(t *testing.T, v *stubValidator, sub *stubSubmitter, opts ...MachineOption) *Machine {
	t.Helper()
	m, err := NewMachine(Deps{Validator: v, Submitter: sub}, opts...)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	return m
}

// drive feeds the messages in order and returns every outcome.
func drive(t *testing.T, m *Machine, s models.Session, texts ...string) (models.Session, []Outcome) {
	t.Helper()
	var outs []Outcome
	for _, text := range texts {
		out, err := m.Step(context.Background(), s, text)
		if err != nil {
			t.Fatalf("Step(%q): %v", text, err)
		}
		outs = append(outs, out)
		s = out.Session
	}
	return s, outs
}

func freshSession() models.Session {
	return models.NewSession("628111", "Budi", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
}

func pathContains(path []models.StateType, st models.StateType) bool {
	for _, p := range path {
		if p == st {
			return true
		}
	}
	return false
}

func TestNewMachineRequiresCollaborators(t *testing.T) {
	if _, err := NewMachine(Deps{Submitter: &stubSubmitter{}}); err == nil {
		t.Error("expected error without validator")
	}
	if _, err := NewMachine(Deps{Validator: &stubValidator{}}); err == nil {
		t.Error("expected error without submitter")
	}
	if _, err := NewMachine(Deps{Validator: &stubValidator{}, Submitter: &stubSubmitter{}},
		WithFormFields([]models.FieldName{"phone"})); err == nil {
		t.Error("expected error for unknown form field")
	}
}

func TestFormFieldsAlwaysStartWithInternalID(t *testing.T) {
	m := newTestMachine(t, &stubValidator{}, &stubSubmitter{},
		WithFormFields([]models.FieldName{models.FieldAddress, models.FieldIssueType}))
	got := m.FormFields()
	want := []models.FieldName{models.FieldInternalID, models.FieldAddress, models.FieldIssueType, models.FieldDescription}
	if len(got) != len(want) {
		t.Fatalf("FormFields() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("field %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestComplaintStartsTroubleshooting(t *testing.T) {
	m := newTestMachine(t, &stubValidator{}, &stubSubmitter{})
	s, outs := drive(t, m, freshSession(), "Internet saya mati total")

	if s.State != models.StateTroubleshooting {
		t.Fatalf("expected troubleshooting, got %s", s.State)
	}
	if s.IssueCategory != models.IssueNoConnection {
		t.Errorf("expected no-connection category, got %s", s.IssueCategory)
	}
	if !strings.Contains(outs[0].Reply, "Restart modem") {
		t.Errorf("reply should carry troubleshooting steps: %q", outs[0].Reply)
	}
	if len(s.History) != 2 || s.History[0].Role != models.RoleCustomer || s.History[1].Role != models.RoleAssistant {
		t.Errorf("expected customer and assistant turns, got %+v", s.History)
	}
}

func TestAcknowledgementKeepsTroubleshooting(t *testing.T) {
	m := newTestMachine(t, &stubValidator{}, &stubSubmitter{})
	for _, ack := range []string{"ok", "oke kak", "siap", "sudah kak", "iya"} {
		s, outs := drive(t, m, freshSession(), "Internet saya mati total", ack)
		if s.State != models.StateTroubleshooting {
			t.Errorf("%q: expected troubleshooting, got %s", ack, s.State)
			continue
		}
		if outs[1].Reply != replyAskResult {
			t.Errorf("%q: expected a follow-up question, got %q", ack, outs[1].Reply)
		}
	}
}

func TestUnresolvedTroubleshootingRequestsForm(t *testing.T) {
	m := newTestMachine(t, &stubValidator{}, &stubSubmitter{})
	s, outs := drive(t, m, freshSession(),
		"Internet saya mati total",
		"Sudah saya restart tapi masih tetap tidak bisa")

	if s.State != models.StateCollectForm {
		t.Fatalf("expected collect_form, got %s", s.State)
	}
	last := outs[1]
	if !pathContains(last.Path, models.StateCheckResolved) {
		t.Errorf("expected check_resolved in path, got %v", last.Path)
	}
	if !strings.Contains(last.Reply, "ID Pelanggan") || !strings.Contains(last.Reply, "Gangguan") {
		t.Errorf("reply should ask for id and description: %q", last.Reply)
	}
}

func TestCompleteFormIsValidated(t *testing.T) {
	v := &stubValidator{accounts: testAccounts()}
	m := newTestMachine(t, v, &stubSubmitter{})
	s, outs := drive(t, m, freshSession(),
		"Internet saya mati total",
		"Sudah saya restart tapi masih tetap tidak bisa",
		"ID: C650AD, Gangguan: Internet mati total sejak pagi")

	last := outs[2]
	if !pathContains(last.Path, models.StateValidatingCustomer) {
		t.Errorf("expected validating_customer in path, got %v", last.Path)
	}
	if s.State != models.StateConfirmData {
		t.Fatalf("expected confirm_data, got %s", s.State)
	}
	if s.Form[models.FieldInternalID] != "C650AD" || s.Form[models.FieldDescription] == "" {
		t.Errorf("unexpected form %v", s.Form)
	}
	if s.Validation.Status != models.ValidationValid || s.Validation.Account == nil {
		t.Errorf("expected valid account, got %+v", s.Validation)
	}
	if !strings.Contains(last.Reply, "Budi Santoso") || !strings.Contains(last.Reply, "C650AD") {
		t.Errorf("summary should show the account: %q", last.Reply)
	}
	if len(v.calls) != 1 || v.calls[0] != "C650AD" {
		t.Errorf("expected one lookup of C650AD, got %v", v.calls)
	}
}

func TestResolvedTroubleshootingCompletesWithoutTicket(t *testing.T) {
	sub := &stubSubmitter{}
	m := newTestMachine(t, &stubValidator{}, sub)
	s, _ := drive(t, m, freshSession(),
		"Internet saya mati total",
		"Sudah saya restart dan lancar lagi, makasih")

	if s.State != models.StateCompleted {
		t.Fatalf("expected completed, got %s", s.State)
	}
	if sub.count() != 0 || s.TicketID != "" {
		t.Error("resolved conversation must not create a ticket")
	}
}

func TestUnclearResultKeepsTroubleshooting(t *testing.T) {
	m := newTestMachine(t, &stubValidator{}, &stubSubmitter{})
	s, outs := drive(t, m, freshSession(), "Internet saya mati total", "ok saya coba dulu")
	if s.State != models.StateTroubleshooting {
		t.Fatalf("expected troubleshooting, got %s", s.State)
	}
	if outs[1].Reply != replyAskResult {
		t.Errorf("unexpected reply %q", outs[1].Reply)
	}
}

func TestSmallTalkStaysInGreeting(t *testing.T) {
	m := newTestMachine(t, &stubValidator{}, &stubSubmitter{})
	s, outs := drive(t, m, freshSession(), "halo kak")
	if s.State != models.StateGreeting {
		t.Fatalf("expected greeting, got %s", s.State)
	}
	if outs[0].Reply != greetingReply("Budi") {
		t.Errorf("unexpected reply %q", outs[0].Reply)
	}
}

func TestInvalidIDNeverReachesConfirmation(t *testing.T) {
	v := &stubValidator{accounts: testAccounts()}
	m := newTestMachine(t, v, &stubSubmitter{})
	s, outs := drive(t, m, freshSession(),
		"Internet saya mati total",
		"masih tetap mati",
		"ID: INVALID123, Gangguan: Internet mati total sejak pagi")

	last := outs[2]
	if s.State != models.StateCollectForm {
		t.Fatalf("expected collect_form after rejection, got %s", s.State)
	}
	if pathContains(last.Path, models.StateConfirmData) {
		t.Errorf("invalid id reached confirm_data: %v", last.Path)
	}
	if !strings.Contains(last.Reply, "INVALID123") {
		t.Errorf("rejection should name the id: %q", last.Reply)
	}
	if _, ok := s.Form[models.FieldInternalID]; ok {
		t.Error("rejected id must be cleared from the form")
	}
	if s.Form[models.FieldDescription] == "" {
		t.Error("description should survive the rejection")
	}
	if s.Validation.Status != models.ValidationInvalid || s.Validation.Reason != models.ReasonNotFound {
		t.Errorf("unexpected validation %+v", s.Validation)
	}

	s, _ = drive(t, m, s, "ID saya C650AD")
	if s.State != models.StateConfirmData {
		t.Fatalf("expected confirm_data after correction, got %s", s.State)
	}
}

func TestInactiveAccountRejected(t *testing.T) {
	v := &stubValidator{accounts: testAccounts(), inactive: map[string]bool{"D100AA": true}}
	m := newTestMachine(t, v, &stubSubmitter{})
	s, outs := drive(t, m, freshSession(),
		"Internet saya mati total",
		"masih tetap mati",
		"ID: D100AA, Gangguan: Internet mati total sejak pagi")
	if s.State != models.StateCollectForm || s.Validation.Reason != models.ReasonInactive {
		t.Fatalf("expected inactive rejection, got %s %+v", s.State, s.Validation)
	}
	if !strings.Contains(outs[2].Reply, "tidak aktif") {
		t.Errorf("unexpected reply %q", outs[2].Reply)
	}
}

func TestPartialFormAccumulates(t *testing.T) {
	v := &stubValidator{accounts: testAccounts()}
	m := newTestMachine(t, v, &stubSubmitter{})
	s, outs := drive(t, m, freshSession(),
		"Internet saya mati total",
		"masih tetap mati",
		"C650AD")
	if s.State != models.StateCollectForm {
		t.Fatalf("expected collect_form, got %s", s.State)
	}
	if !strings.Contains(outs[2].Reply, "Gangguan") {
		t.Errorf("reply should ask for the description: %q", outs[2].Reply)
	}
	if len(v.calls) != 0 {
		t.Error("incomplete form must not be validated")
	}

	s, _ = drive(t, m, s, "Gangguan: internet mati total dari pagi")
	if s.State != models.StateConfirmData {
		t.Fatalf("expected confirm_data, got %s", s.State)
	}
	if s.Form[models.FieldInternalID] != "C650AD" {
		t.Errorf("id from the earlier message was lost: %v", s.Form)
	}
}

func TestLookupFailureHandsOffAfterRetries(t *testing.T) {
	v := &stubValidator{err: errors.New("backend down")}
	m := newTestMachine(t, v, &stubSubmitter{})
	s, outs := drive(t, m, freshSession(),
		"Internet saya mati total",
		"masih tetap mati",
		"ID: C650AD, Gangguan: Internet mati total sejak pagi")

	if s.State != models.StateValidatingCustomer || s.Validation.Status != models.ValidationPending {
		t.Fatalf("expected pending validation, got %s %+v", s.State, s.Validation)
	}
	if outs[2].Reply != replyLookupErr {
		t.Errorf("unexpected reply %q", outs[2].Reply)
	}

	s, outs = drive(t, m, s, "halo?", "halo?")
	if s.State != models.StateCompleted || !s.Handoff {
		t.Fatalf("expected handoff after three failures, got %s handoff=%v", s.State, s.Handoff)
	}
	if !outs[1].Handoff || outs[1].Reply != replyHandoff {
		t.Errorf("expected handoff outcome, got %+v", outs[1])
	}
	if len(v.calls) != 3 {
		t.Errorf("expected 3 lookups, got %d", len(v.calls))
	}

	_, outs = drive(t, m, s, "terima kasih")
	if outs[0].Reply != replyHandedOff {
		t.Errorf("unexpected reply after handoff %q", outs[0].Reply)
	}
}

func TestLookupRecoversAfterTransientFailure(t *testing.T) {
	v := &stubValidator{accounts: testAccounts(), err: errors.New("timeout")}
	m := newTestMachine(t, v, &stubSubmitter{})
	s, _ := drive(t, m, freshSession(),
		"Internet saya mati total",
		"masih tetap mati",
		"ID: C650AD, Gangguan: Internet mati total sejak pagi")
	v.err = nil
	s, _ = drive(t, m, s, "sudah bisa dicek?")
	if s.State != models.StateConfirmData {
		t.Fatalf("expected confirm_data, got %s", s.State)
	}
}

func confirmedSession(t *testing.T, m *Machine) models.Session {
	t.Helper()
	s, _ := drive(t, m, freshSession(),
		"Internet saya mati total",
		"masih tetap mati",
		"ID: C650AD, Gangguan: Internet mati total sejak pagi")
	if s.State != models.StateConfirmData {
		t.Fatalf("setup: expected confirm_data, got %s", s.State)
	}
	return s
}

func TestConfirmationCreatesTicketOnce(t *testing.T) {
	sub := &stubSubmitter{}
	m := newTestMachine(t, &stubValidator{accounts: testAccounts()}, sub)
	s := confirmedSession(t, m)

	s, outs := drive(t, m, s, "ya betul")
	if s.State != models.StateCompleted || s.TicketID != "RPT-1" {
		t.Fatalf("expected completed with ticket, got %s %q", s.State, s.TicketID)
	}
	if !outs[0].TicketCreated || !strings.Contains(outs[0].Reply, "RPT-1") {
		t.Errorf("unexpected outcome %+v", outs[0])
	}

	s, outs = drive(t, m, s, "ya", "ok")
	if sub.count() != 1 {
		t.Errorf("expected a single submission, got %d", sub.count())
	}
	for _, o := range outs {
		if o.TicketCreated {
			t.Error("ticket reported as created twice")
		}
	}

	r := sub.reports[0]
	if r.ReferenceNumber != "C650AD" || r.CustomerID != "881" || r.CustomerSiteID != "17" {
		t.Errorf("unexpected report identity %+v", r)
	}
	if r.CustomerName != "Budi Santoso" || r.CustomerPhone != "628111" {
		t.Errorf("unexpected report contact %+v", r)
	}
	if !strings.HasPrefix(r.Description, "Internet mati total sejak pagi") {
		t.Errorf("unexpected description %q", r.Description)
	}
}

func TestConfirmDataWithTicketDoesNotResubmit(t *testing.T) {
	sub := &stubSubmitter{}
	m := newTestMachine(t, &stubValidator{accounts: testAccounts()}, sub)
	s := confirmedSession(t, m)
	s.TicketID = "RPT-OLD"

	s, _ = drive(t, m, s, "ya")
	if sub.count() != 0 {
		t.Error("session with a ticket must not submit again")
	}
	if s.State != models.StateCompleted || s.TicketID != "RPT-OLD" {
		t.Errorf("unexpected session %s %q", s.State, s.TicketID)
	}
}

func TestSubmitFailureStaysForRetry(t *testing.T) {
	sub := &stubSubmitter{fail: []error{&ticketing.SubmitError{Kind: ticketing.KindBackendUnreachable, Err: errors.New("down")}}}
	m := newTestMachine(t, &stubValidator{accounts: testAccounts()}, sub)
	s := confirmedSession(t, m)

	s, outs := drive(t, m, s, "ya")
	if s.State != models.StateConfirmData || s.TicketID != "" {
		t.Fatalf("expected to stay in confirm_data, got %s %q", s.State, s.TicketID)
	}
	if !strings.Contains(outs[0].Reply, "kirim ulang") {
		t.Errorf("unexpected reply %q", outs[0].Reply)
	}

	s, _ = drive(t, m, s, "ya")
	if s.State != models.StateCompleted || s.TicketID != "RPT-1" {
		t.Fatalf("retry should create the ticket, got %s %q", s.State, s.TicketID)
	}
}

func TestDuplicateReportKeepsConfirmation(t *testing.T) {
	sub := &stubSubmitter{fail: []error{&ticketing.SubmitError{Kind: ticketing.KindDuplicate, StatusCode: 409, Err: errors.New("exists")}}}
	m := newTestMachine(t, &stubValidator{accounts: testAccounts()}, sub)
	s := confirmedSession(t, m)

	s, outs := drive(t, m, s, "ya")
	if s.State != models.StateConfirmData {
		t.Fatalf("expected confirm_data, got %s", s.State)
	}
	if !strings.Contains(outs[0].Reply, "laporan gangguan yang aktif") {
		t.Errorf("unexpected reply %q", outs[0].Reply)
	}
}

func TestNegativeConfirmationRestartsForm(t *testing.T) {
	m := newTestMachine(t, &stubValidator{accounts: testAccounts()}, &stubSubmitter{})
	s := confirmedSession(t, m)

	s, outs := drive(t, m, s, "tidak, datanya salah")
	if s.State != models.StateCollectForm {
		t.Fatalf("expected collect_form, got %s", s.State)
	}
	if len(s.Form) != 0 || s.Validation.Status != models.ValidationUnchecked {
		t.Errorf("form should be cleared, got %v %+v", s.Form, s.Validation)
	}
	if !strings.Contains(outs[0].Reply, "ID Pelanggan") {
		t.Errorf("unexpected reply %q", outs[0].Reply)
	}
}

func TestNegativeConfirmationWithCorrectedID(t *testing.T) {
	v := &stubValidator{accounts: testAccounts()}
	m := newTestMachine(t, v, &stubSubmitter{})
	s := confirmedSession(t, m)

	s, _ = drive(t, m, s, "bukan, ID saya EA429E")
	if s.Form[models.FieldInternalID] != "EA429E" {
		t.Errorf("corrected id not captured: %v", s.Form)
	}
	if s.State == models.StateConfirmData && s.Validation.Account.InternalID != "EA429E" {
		t.Errorf("confirmation shows a stale account: %+v", s.Validation.Account)
	}
}

func TestUnclearConfirmationAsksAgain(t *testing.T) {
	m := newTestMachine(t, &stubValidator{accounts: testAccounts()}, &stubSubmitter{})
	s := confirmedSession(t, m)
	s, outs := drive(t, m, s, "hmm")
	if s.State != models.StateConfirmData || outs[0].Reply != replyReconfirm {
		t.Errorf("expected reconfirmation, got %s %q", s.State, outs[0].Reply)
	}
}

func TestCompletedRestartsOnNewComplaint(t *testing.T) {
	m := newTestMachine(t, &stubValidator{}, &stubSubmitter{})
	s, _ := drive(t, m, freshSession(), "Internet saya mati total", "sudah lancar, makasih")
	if s.State != models.StateCompleted {
		t.Fatalf("setup: expected completed, got %s", s.State)
	}

	s, outs := drive(t, m, s, "terima kasih")
	if s.State != models.StateCompleted || outs[0].Reply != replyClosed {
		t.Errorf("courtesy message should keep the session closed, got %s %q", s.State, outs[0].Reply)
	}

	s, outs = drive(t, m, s, "internet mati lagi kak")
	if s.State != models.StateTroubleshooting {
		t.Fatalf("expected a new troubleshooting cycle, got %s", s.State)
	}
	if len(outs[0].Path) != 2 || outs[0].Path[0] != models.StateGreeting {
		t.Errorf("unexpected path %v", outs[0].Path)
	}
	if len(s.History) < 4 {
		t.Errorf("history should carry over, got %d turns", len(s.History))
	}
}

func TestUnknownStateRestarts(t *testing.T) {
	m := newTestMachine(t, &stubValidator{}, &stubSubmitter{})
	s := freshSession()
	s.State = "closed"
	s, _ = drive(t, m, s, "halo")
	if s.State != models.StateGreeting {
		t.Errorf("expected greeting, got %s", s.State)
	}
}

func TestStepRejectsEmptyInput(t *testing.T) {
	m := newTestMachine(t, &stubValidator{}, &stubSubmitter{})
	if _, err := m.Step(context.Background(), freshSession(), "   "); !errors.Is(err, models.ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := m.Step(context.Background(), models.Session{State: models.StateGreeting}, "halo"); !errors.Is(err, models.ErrEmptyCustomerID) {
		t.Errorf("expected ErrEmptyCustomerID, got %v", err)
	}
}

func TestStepDoesNotMutateInput(t *testing.T) {
	m := newTestMachine(t, &stubValidator{accounts: testAccounts()}, &stubSubmitter{})
	s := confirmedSession(t, m)
	before := s.Form[models.FieldInternalID]
	if _, err := m.Step(context.Background(), s, "tidak"); err != nil {
		t.Fatal(err)
	}
	if s.Form[models.FieldInternalID] != before || s.State != models.StateConfirmData {
		t.Error("Step mutated its input session")
	}
}

func TestGeneratedRepliesFallBackToTemplates(t *testing.T) {
	llm := &stubLLM{reply: "Halo kak Budi, Neti di sini!"}
	m, err := NewMachine(Deps{LLM: llm, Validator: &stubValidator{}, Submitter: &stubSubmitter{}})
	if err != nil {
		t.Fatal(err)
	}
	_, outs := drive(t, m, freshSession(), "halo")
	if outs[0].Reply != "Halo kak Budi, Neti di sini!" {
		t.Errorf("expected model reply, got %q", outs[0].Reply)
	}

	llm.err = errors.New("quota exceeded")
	_, outs = drive(t, m, freshSession(), "wifi saya lemot")
	if outs[0].Reply != troubleshootingReply(models.IssueSlow) {
		t.Errorf("expected template fallback, got %q", outs[0].Reply)
	}
	if llm.calls != 2 {
		t.Errorf("expected 2 model calls, got %d", llm.calls)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	m := newTestMachine(t, &stubValidator{}, &stubSubmitter{}, WithHistoryLimit(4))
	s, _ := drive(t, m, freshSession(), "halo", "halo", "halo", "halo")
	if len(s.History) != 4 {
		t.Errorf("expected 4 turns, got %d", len(s.History))
	}
}
