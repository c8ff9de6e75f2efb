// Package identity validates customer ids against the customer directories.
//
// Backends are queried in a fixed order and the first match wins. Results
// are never cached: an account can be deactivated at any time.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/intynet/neti/internal/models"
	"github.com/intynet/neti/internal/ticketing"
)

// DefaultLookupTimeout bounds each backend call.
const DefaultLookupTimeout = 10 * time.Second

// ErrLookupFailed means no backend matched and at least one could not be queried.
var ErrLookupFailed = errors.New("customer lookup failed")

// inactiveStatuses mark accounts that may not file reports.
var inactiveStatuses = map[string]bool{
	"inactive":   true,
	"terminated": true,
	"suspended":  true,
	"isolir":     true,
}

// Lookup is one backend's answer for an id.
type Lookup struct {
	Found    bool
	Account  models.Account
	Customer ticketing.Customer
}

// Backend resolves customer ids.
type Backend interface {
	Name() string
	Lookup(ctx context.Context, internalID string) (Lookup, error)
}

// CustomerCreator registers customers found outside the ticketing directory.
type CustomerCreator interface {
	CreateCustomer(ctx context.Context, c ticketing.Customer) error
}

// Verdict is the validator's answer.
type Verdict struct {
	Status  models.ValidationStatus
	Reason  string
	Account *models.Account
}

// Valid reports whether the id was accepted.
func (v Verdict) Valid() bool { return v.Status == models.ValidationValid }

// Validator checks ids against ordered backends.
type Validator struct {
	backends []Backend
	syncer   CustomerCreator
	syncFrom map[string]bool
	timeout  time.Duration
}

// Opts holds configuration options for the validator.
type Opts struct {
	Syncer   CustomerCreator
	SyncFrom []string
	Timeout  time.Duration
}

// Option defines a configuration option for the validator.
type Option func(*Opts)

// WithSyncer registers accounts matched by the named backends in the
// ticketing directory.
func WithSyncer(s CustomerCreator, backends ...string) Option {
	return func(o *Opts) {
		o.Syncer = s
		o.SyncFrom = append(o.SyncFrom, backends...)
	}
}

// WithTimeout bounds each backend lookup.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// NewValidator creates a validator over backends, queried in order.
func NewValidator(backends []Backend, opts ...Option) *Validator {
	cfg := Opts{Timeout: DefaultLookupTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	v := &Validator{
		backends: backends,
		syncer:   cfg.Syncer,
		syncFrom: make(map[string]bool),
		timeout:  cfg.Timeout,
	}
	for _, name := range cfg.SyncFrom {
		v.syncFrom[name] = true
	}
	return v
}

// Validate checks internalID. A non-nil error wraps ErrLookupFailed and means
// the answer is unknown; the caller may retry.
func (v *Validator) Validate(ctx context.Context, internalID string) (Verdict, error) {
	id := strings.ToUpper(strings.TrimSpace(internalID))
	if id == "" {
		return Verdict{Status: models.ValidationInvalid, Reason: models.ReasonNotFound}, nil
	}

	var failures []error
	for _, b := range v.backends {
		res, err := v.lookup(ctx, b, id)
		if err != nil {
			slog.Warn("Validator.Validate: backend lookup failed", "backend", b.Name(), "internalID", id, "error", err)
			failures = append(failures, fmt.Errorf("%s: %w", b.Name(), err))
			continue
		}
		if !res.Found {
			slog.Debug("Validator.Validate: not found in backend", "backend", b.Name(), "internalID", id)
			continue
		}

		account := res.Account
		account.Source = b.Name()
		if inactiveStatuses[strings.ToLower(strings.TrimSpace(account.Status))] {
			slog.Info("Validator.Validate: account inactive", "backend", b.Name(), "internalID", id, "status", account.Status)
			return Verdict{Status: models.ValidationInvalid, Reason: models.ReasonInactive, Account: &account}, nil
		}
		if v.syncer != nil && v.syncFrom[b.Name()] {
			v.sync(ctx, res.Customer)
		}
		slog.Info("Validator.Validate: customer verified", "backend", b.Name(), "internalID", id)
		return Verdict{Status: models.ValidationValid, Account: &account}, nil
	}

	if len(failures) > 0 {
		return Verdict{Status: models.ValidationPending}, fmt.Errorf("%w: %w", ErrLookupFailed, errors.Join(failures...))
	}
	slog.Info("Validator.Validate: customer not found", "internalID", id)
	return Verdict{Status: models.ValidationInvalid, Reason: models.ReasonNotFound}, nil
}

func (v *Validator) lookup(ctx context.Context, b Backend, id string) (Lookup, error) {
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}
	return b.Lookup(ctx, id)
}

func (v *Validator) sync(ctx context.Context, c ticketing.Customer) {
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}
	if err := v.syncer.CreateCustomer(ctx, c); err != nil {
		slog.Warn("Validator.sync: failed to register customer in ticketing", "reference", c.Reference(), "error", err)
		return
	}
	slog.Info("Validator.sync: customer registered in ticketing", "reference", c.Reference())
}
