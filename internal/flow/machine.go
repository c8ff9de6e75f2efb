// Package flow drives the support conversation.
//
// Machine is a pure state machine over models.Session: it never touches
// storage and returns the next session value together with the reply.
// Conversation wraps it with per-customer locking and persistence.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/intynet/neti/internal/extract"
	"github.com/intynet/neti/internal/identity"
	"github.com/intynet/neti/internal/intent"
	"github.com/intynet/neti/internal/models"
	"github.com/intynet/neti/internal/ticketing"
)

// Defaults for the machine.
const (
	DefaultMaxValidationAttempts = 3
	DefaultLLMTimeout            = 15 * time.Second
)

// Completer generates free-text replies.
type Completer interface {
	Complete(ctx context.Context, system string, history []models.Turn, user string) (string, error)
}

// Classifier decides whether a reply is affirmative or negative.
type Classifier interface {
	Classify(ctx context.Context, text string, kind intent.Kind) intent.Verdict
}

// FieldExtractor pulls form fields from a message.
type FieldExtractor interface {
	Extract(ctx context.Context, text string, wanted []models.FieldName) extract.Result
}

// IdentityValidator checks customer ids.
type IdentityValidator interface {
	Validate(ctx context.Context, internalID string) (identity.Verdict, error)
}

// TicketSubmitter files incoming reports.
type TicketSubmitter interface {
	Submit(ctx context.Context, r ticketing.Report) (string, error)
}

// Deps are the collaborators of the machine. LLM may be nil; Classifier and
// Extractor default to rule-only implementations.
type Deps struct {
	LLM        Completer
	Classifier Classifier
	Extractor  FieldExtractor
	Validator  IdentityValidator
	Submitter  TicketSubmitter
}

// Outcome is the result of one step.
type Outcome struct {
	Session models.Session
	Reply   string
	// Path lists every state entered during the step, in order.
	Path          []models.StateType
	TicketCreated bool
	Handoff       bool
}

// Machine implements the support conversation state machine.
type Machine struct {
	deps                  Deps
	formFields            []models.FieldName
	historyLimit          int
	maxValidationAttempts int
	llmTimeout            time.Duration
	now                   func() time.Time
}

// MachineOpts holds configuration options for the machine.
type MachineOpts struct {
	FormFields            []models.FieldName
	HistoryLimit          int
	MaxValidationAttempts int
	LLMTimeout            time.Duration
	Clock                 func() time.Time
}

// MachineOption defines a configuration option for the machine.
type MachineOption func(*MachineOpts)

// WithFormFields sets the ordered list of required form fields.
func WithFormFields(fields []models.FieldName) MachineOption {
	return func(o *MachineOpts) { o.FormFields = fields }
}

// WithHistoryLimit bounds the number of turns kept per session.
func WithHistoryLimit(n int) MachineOption {
	return func(o *MachineOpts) { o.HistoryLimit = n }
}

// WithMaxValidationAttempts sets how many failed lookups trigger a handoff.
func WithMaxValidationAttempts(n int) MachineOption {
	return func(o *MachineOpts) { o.MaxValidationAttempts = n }
}

// WithLLMTimeout bounds each language model call.
func WithLLMTimeout(d time.Duration) MachineOption {
	return func(o *MachineOpts) { o.LLMTimeout = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) MachineOption {
	return func(o *MachineOpts) { o.Clock = now }
}

// NewMachine creates a machine. Validator and Submitter are required.
func NewMachine(deps Deps, opts ...MachineOption) (*Machine, error) {
	cfg := MachineOpts{
		FormFields:            models.DefaultFormFields,
		HistoryLimit:          models.DefaultHistoryLimit,
		MaxValidationAttempts: DefaultMaxValidationAttempts,
		LLMTimeout:            DefaultLLMTimeout,
		Clock:                 time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if deps.Validator == nil {
		return nil, errors.New("identity validator is required")
	}
	if deps.Submitter == nil {
		return nil, errors.New("ticket submitter is required")
	}
	if deps.Classifier == nil {
		deps.Classifier = intent.NewClassifier(nil)
	}
	if deps.Extractor == nil {
		deps.Extractor = extract.New(nil)
	}
	fields, err := normalizeFormFields(cfg.FormFields)
	if err != nil {
		return nil, err
	}
	if cfg.MaxValidationAttempts <= 0 {
		cfg.MaxValidationAttempts = DefaultMaxValidationAttempts
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = models.DefaultHistoryLimit
	}
	return &Machine{
		deps:                  deps,
		formFields:            fields,
		historyLimit:          cfg.HistoryLimit,
		maxValidationAttempts: cfg.MaxValidationAttempts,
		llmTimeout:            cfg.LLMTimeout,
		now:                   cfg.Clock,
	}, nil
}

// normalizeFormFields checks the field list. internal_id and description
// are always required and internal_id always comes first.
func normalizeFormFields(fields []models.FieldName) ([]models.FieldName, error) {
	out := []models.FieldName{models.FieldInternalID}
	seen := map[models.FieldName]bool{models.FieldInternalID: true}
	for _, f := range fields {
		if !models.IsKnownField(f) {
			return nil, fmt.Errorf("unknown form field %q", f)
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	if !seen[models.FieldDescription] {
		out = append(out, models.FieldDescription)
	}
	return out, nil
}

// FormFields returns the required form fields in prompt order.
func (m *Machine) FormFields() []models.FieldName {
	return append([]models.FieldName(nil), m.formFields...)
}

// turn carries the mutable state of one step.
type turn struct {
	s    models.Session
	text string
	out  Outcome
}

func (t *turn) enter(state models.StateType) {
	t.s.State = state
	t.out.Path = append(t.out.Path, state)
}

// Step advances session by one customer message.
func (m *Machine) Step(ctx context.Context, session models.Session, text string) (Outcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Outcome{}, models.ErrEmptyMessage
	}
	if session.CustomerID == "" {
		return Outcome{}, models.ErrEmptyCustomerID
	}

	now := m.now()
	t := &turn{s: session.Clone(), text: text}
	if !t.s.State.IsValid() {
		slog.Warn("Machine.Step: unknown state, restarting session", "customerID", t.s.CustomerID, "state", t.s.State)
		t.s = m.restart(t.s, now)
	}
	if t.s.Form == nil {
		t.s.Form = make(map[models.FieldName]string)
	}
	from := t.s.State
	t.s.AppendTurn(models.RoleCustomer, text, now, m.historyLimit)

	if err := m.dispatch(ctx, t); err != nil {
		return Outcome{}, err
	}

	t.s.AppendTurn(models.RoleAssistant, t.out.Reply, m.now(), m.historyLimit)
	t.s.UpdatedAt = m.now()
	t.out.Session = t.s
	slog.Debug("Machine.Step completed", "customerID", t.s.CustomerID, "from", from, "to", t.s.State, "path", t.out.Path)
	return t.out, nil
}

func (m *Machine) dispatch(ctx context.Context, t *turn) error {
	switch t.s.State {
	case models.StateGreeting:
		m.onGreeting(ctx, t)
	case models.StateTroubleshooting:
		m.onTroubleshooting(ctx, t)
	case models.StateCheckResolved:
		m.onCheckResolved(ctx, t, m.deps.Classifier.Classify(ctx, t.text, intent.Resolution))
	case models.StateCollectForm:
		m.onCollectForm(ctx, t)
	case models.StateValidatingCustomer:
		m.onValidatingCustomer(ctx, t)
	case models.StateConfirmData:
		m.onConfirmData(ctx, t)
	case models.StateCompleted:
		m.onCompleted(ctx, t)
	default:
		return fmt.Errorf("%w: %s", models.ErrInvalidState, t.s.State)
	}
	return ctx.Err()
}

func (m *Machine) restart(prev models.Session, now time.Time) models.Session {
	fresh := models.NewSession(prev.CustomerID, prev.CustomerName, now)
	fresh.History = prev.History
	return fresh
}

func (m *Machine) onGreeting(ctx context.Context, t *turn) {
	if intent.IsSmallTalk(t.text) {
		t.out.Reply = m.generate(ctx, t, greetingInstruction(t.s.CustomerName), greetingReply(t.s.CustomerName))
		return
	}
	t.s.IssueCategory = extract.Categorize(t.text)
	t.enter(models.StateTroubleshooting)
	t.out.Reply = m.generate(ctx, t,
		troubleshootingInstruction(t.s.IssueCategory, t.text),
		troubleshootingReply(t.s.IssueCategory))
}

func (m *Machine) onTroubleshooting(ctx context.Context, t *turn) {
	verdict := m.deps.Classifier.Classify(ctx, t.text, intent.Resolution)
	switch verdict {
	case intent.Affirmative:
		t.enter(models.StateCompleted)
		t.out.Reply = replyResolved
	case intent.Negative, intent.Unresolved:
		t.enter(models.StateCheckResolved)
		m.onCheckResolved(ctx, t, verdict)
	default:
		t.out.Reply = replyAskResult
	}
}

func (m *Machine) onCheckResolved(ctx context.Context, t *turn, verdict intent.Verdict) {
	if verdict == intent.Affirmative {
		t.enter(models.StateCompleted)
		t.out.Reply = replyResolved
		return
	}
	t.s.Form = make(map[models.FieldName]string)
	t.s.Validation = models.Validation{Status: models.ValidationUnchecked}
	t.enter(models.StateCollectForm)
	t.out.Reply = formPrompt(m.formFields)
}

// mergeFields copies extracted values into the session form. Later values
// overwrite earlier ones and a new id resets any earlier validation.
func (m *Machine) mergeFields(t *turn, fields map[models.FieldName]string) {
	for f, v := range fields {
		v = strings.TrimSpace(v)
		if v == "" || !models.IsKnownField(f) {
			continue
		}
		if f == models.FieldInternalID && v != t.s.Form[f] {
			t.s.Validation = models.Validation{Status: models.ValidationUnchecked}
		}
		t.s.Form[f] = v
	}
}

func (m *Machine) onCollectForm(ctx context.Context, t *turn) {
	res := m.deps.Extractor.Extract(ctx, t.text, t.s.MissingFields(m.formFields))
	m.mergeFields(t, res.Fields)

	if missing := t.s.MissingFields(m.formFields); len(missing) > 0 {
		slog.Debug("Machine.onCollectForm: form incomplete", "customerID", t.s.CustomerID, "missing", missing)
		t.out.Reply = missingPrompt(missing)
		return
	}
	t.enter(models.StateValidatingCustomer)
	m.validate(ctx, t)
}

func (m *Machine) onValidatingCustomer(ctx context.Context, t *turn) {
	res := m.deps.Extractor.Extract(ctx, t.text, []models.FieldName{models.FieldInternalID})
	if id := res.Fields[models.FieldInternalID]; id != "" {
		m.mergeFields(t, map[models.FieldName]string{models.FieldInternalID: id})
	}
	if t.s.Form[models.FieldInternalID] == "" {
		t.enter(models.StateCollectForm)
		t.out.Reply = missingPrompt(t.s.MissingFields(m.formFields))
		return
	}
	m.validate(ctx, t)
}

func (m *Machine) validate(ctx context.Context, t *turn) {
	id := t.s.Form[models.FieldInternalID]
	verdict, err := m.deps.Validator.Validate(ctx, id)
	now := m.now()

	if err != nil {
		t.s.Validation.Status = models.ValidationPending
		t.s.Validation.Attempts++
		t.s.Validation.CheckedAt = &now
		slog.Warn("Machine.validate: lookup failed", "customerID", t.s.CustomerID, "internalID", id,
			"attempts", t.s.Validation.Attempts, "error", err)
		if t.s.Validation.Attempts >= m.maxValidationAttempts {
			t.s.Handoff = true
			t.out.Handoff = true
			t.enter(models.StateCompleted)
			t.out.Reply = replyHandoff
			return
		}
		t.out.Reply = replyLookupErr
		return
	}

	if !verdict.Valid() {
		slog.Info("Machine.validate: id rejected", "customerID", t.s.CustomerID, "internalID", id, "reason", verdict.Reason)
		t.s.Validation = models.Validation{Status: models.ValidationInvalid, Reason: verdict.Reason, CheckedAt: &now}
		delete(t.s.Form, models.FieldInternalID)
		t.enter(models.StateCollectForm)
		t.out.Reply = rejectionReply(id, verdict.Reason)
		return
	}

	t.s.Validation = models.Validation{Status: models.ValidationValid, Account: verdict.Account, CheckedAt: &now}
	t.enter(models.StateConfirmData)
	t.out.Reply = summaryReply(t.s)
}

func (m *Machine) onConfirmData(ctx context.Context, t *turn) {
	if t.s.TicketID != "" {
		t.enter(models.StateCompleted)
		t.out.Reply = closedReply(t.s)
		return
	}

	switch m.deps.Classifier.Classify(ctx, t.text, intent.Confirmation) {
	case intent.Affirmative:
		m.submit(ctx, t)
	case intent.Negative:
		t.s.Form = make(map[models.FieldName]string)
		t.s.Validation = models.Validation{Status: models.ValidationUnchecked}
		t.enter(models.StateCollectForm)
		// "bukan, ID saya EA429E" carries the correction already.
		if _, ok := extract.FindInternalID(t.text); ok {
			m.onCollectForm(ctx, t)
			return
		}
		t.out.Reply = formPrompt(m.formFields)
	default:
		t.out.Reply = replyReconfirm
	}
}

func (m *Machine) submit(ctx context.Context, t *turn) {
	id, ok := t.s.VerifiedInternalID()
	if !ok {
		slog.Warn("Machine.submit: confirm without verified id, collecting form again", "customerID", t.s.CustomerID)
		t.enter(models.StateCollectForm)
		t.out.Reply = missingPrompt(t.s.MissingFields(m.formFields))
		return
	}

	ticketID, err := m.deps.Submitter.Submit(ctx, m.report(t.s, id))
	if err != nil {
		slog.Error("Machine.submit: ticket submission failed", "customerID", t.s.CustomerID, "internalID", id, "error", err)
		t.out.Reply = submitFailureReply(err)
		return
	}
	t.s.TicketID = ticketID
	t.out.TicketCreated = true
	t.enter(models.StateCompleted)
	t.out.Reply = ticketCreatedReply(ticketID)
	slog.Info("Machine.submit: ticket created", "customerID", t.s.CustomerID, "ticketID", ticketID)
}

func (m *Machine) report(s models.Session, internalID string) ticketing.Report {
	r := ticketing.Report{
		CustomerName:    s.CustomerName,
		CustomerPhone:   s.CustomerID,
		ReferenceNumber: internalID,
		ProblemTime:     s.Form[models.FieldProblemSince],
	}
	if acc := s.Validation.Account; acc != nil {
		if acc.Name != "" {
			r.CustomerName = acc.Name
		}
		r.CustomerID = acc.BackendID
		r.CustomerSiteID = acc.SiteID
		if acc.ReferenceNumber != "" {
			r.ReferenceNumber = acc.ReferenceNumber
		}
	}

	desc := s.Form[models.FieldDescription]
	var extra []string
	if it := s.Form[models.FieldIssueType]; it != "" {
		extra = append(extra, "Jenis: "+models.IssueCategory(it).Label())
	} else if s.IssueCategory != "" && s.IssueCategory != models.IssueOther {
		extra = append(extra, "Jenis: "+s.IssueCategory.Label())
	}
	if addr := s.Form[models.FieldAddress]; addr != "" {
		extra = append(extra, "Alamat: "+addr)
	}
	if len(extra) > 0 {
		desc += " (" + strings.Join(extra, "; ") + ")"
	}
	r.Description = desc
	return r
}

func (m *Machine) onCompleted(ctx context.Context, t *turn) {
	if intent.IsSmallTalk(t.text) || !looksLikeComplaint(t.text) {
		t.out.Reply = closedReply(t.s)
		return
	}
	slog.Info("Machine.onCompleted: new complaint, starting a new cycle", "customerID", t.s.CustomerID, "previousTicket", t.s.TicketID)
	t.s = m.restart(t.s, m.now())
	t.enter(models.StateGreeting)
	m.onGreeting(ctx, t)
}

// looksLikeComplaint reports whether text describes a problem rather than
// acknowledging the closed conversation. Bare menu digits do not count.
func looksLikeComplaint(text string) bool {
	if intent.HasFailureSignal(text) {
		return true
	}
	if len(strings.TrimSpace(text)) <= 2 || intent.Heuristic(text, intent.Resolution) == intent.Affirmative {
		return false
	}
	_, ok := extract.ParseIssueType(text)
	return ok
}

// generate asks the model for a reply and falls back to the template.
func (m *Machine) generate(ctx context.Context, t *turn, instruction, fallback string) string {
	if m.deps.LLM == nil {
		return fallback
	}
	if m.llmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.llmTimeout)
		defer cancel()
	}
	system := personaPrompt + "\n\nINSTRUCTION:\n" + instruction
	history := t.s.History
	if n := len(history); n > 0 {
		// The current message is passed separately.
		history = history[:n-1]
	}
	reply, err := m.deps.LLM.Complete(ctx, system, history, t.text)
	if err != nil || strings.TrimSpace(reply) == "" {
		slog.Warn("Machine.generate: falling back to template", "customerID", t.s.CustomerID, "error", err)
		return fallback
	}
	return strings.TrimSpace(reply)
}
