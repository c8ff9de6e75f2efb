package ticketing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/intynet/neti/internal/util"
)

// SubmitErrorKind classifies a failed submission.
type SubmitErrorKind string

const (
	KindBackendUnreachable SubmitErrorKind = "backend_unreachable"
	KindRejected           SubmitErrorKind = "rejected"
	KindDuplicate          SubmitErrorKind = "duplicate"
	KindTimeout            SubmitErrorKind = "timeout"
)

// SubmitError is returned by Submitter.Submit.
type SubmitError struct {
	Kind       SubmitErrorKind
	StatusCode int
	Err        error
}

func (e *SubmitError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("submit report: %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("submit report: %s: %v", e.Kind, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// IsSubmitKind reports whether err is a SubmitError of the given kind.
func IsSubmitKind(err error, kind SubmitErrorKind) bool {
	var se *SubmitError
	return errors.As(err, &se) && se.Kind == kind
}

// reportCreator is the part of Client used for submission.
type reportCreator interface {
	CreateIncomingReport(ctx context.Context, r Report) (string, error)
}

// Submitter files incoming reports. Without a client it runs in mock mode
// and returns generated RPT identifiers.
type Submitter struct {
	api     reportCreator
	timeout time.Duration
	now     func() time.Time
}

// NewSubmitter creates a submitter. Pass a nil client for mock mode.
func NewSubmitter(client *Client, timeout time.Duration) *Submitter {
	s := &Submitter{timeout: timeout, now: time.Now}
	if client != nil {
		s.api = client
	}
	return s
}

// Mock reports whether the submitter runs without a ticketing backend.
func (s *Submitter) Mock() bool { return s.api == nil }

// Submit files the report and returns the ticket id.
func (s *Submitter) Submit(ctx context.Context, r Report) (string, error) {
	if r.Description == "" || r.ReferenceNumber == "" {
		return "", &SubmitError{Kind: KindRejected, Err: errors.New("report needs a description and a customer reference")}
	}
	if s.api == nil {
		id := mockTicketID(s.now())
		slog.Info("Submitter.Submit: mock report created",
			"ticketID", id, "customer", r.CustomerName, "phone", r.CustomerPhone,
			"referenceNumber", r.ReferenceNumber, "description", r.Description)
		return id, nil
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	id, err := s.api.CreateIncomingReport(ctx, r)
	if err != nil {
		serr := classify(err)
		slog.Error("Submitter.Submit failed", "kind", serr.Kind, "status", serr.StatusCode, "referenceNumber", r.ReferenceNumber, "error", err)
		return "", serr
	}
	slog.Info("Submitter.Submit: incoming report created", "ticketID", id, "referenceNumber", r.ReferenceNumber)
	return id, nil
}

// mockTicketID stamps the time to the second plus a random suffix, so two
// reports filed in the same second still get distinct ids.
func mockTicketID(now time.Time) string {
	return "RPT" + now.Format("20060102150405") + strings.ToUpper(util.RequestID("-", 6))
}

func classify(err error) *SubmitError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusConflict:
			return &SubmitError{Kind: KindDuplicate, StatusCode: apiErr.StatusCode, Err: err}
		case apiErr.StatusCode == http.StatusRequestTimeout || apiErr.StatusCode == http.StatusGatewayTimeout:
			return &SubmitError{Kind: KindTimeout, StatusCode: apiErr.StatusCode, Err: err}
		case apiErr.StatusCode >= 500:
			return &SubmitError{Kind: KindBackendUnreachable, StatusCode: apiErr.StatusCode, Err: err}
		default:
			return &SubmitError{Kind: KindRejected, StatusCode: apiErr.StatusCode, Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &SubmitError{Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &SubmitError{Kind: KindTimeout, Err: err}
	}
	return &SubmitError{Kind: KindBackendUnreachable, Err: err}
}
