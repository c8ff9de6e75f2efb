// Package ticketing talks to the ticketing REST API: customer directory
// searches, customer sync from the Intynet provisioning system, and incoming
// report (ticket) creation.
package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Default values for the client.
const (
	DefaultTimeout    = 15 * time.Second
	DefaultMaxRetries = 2
	DefaultSiteCity   = "Balikpapan"
	maxErrorBody      = 512
)

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ticketing API returned %d: %s", e.StatusCode, e.Body)
}

// Client is a ticketing API client.
type Client struct {
	baseURL    string
	apiKey     string
	http       *http.Client
	maxRetries uint
}

// Opts holds configuration options for the client.
type Opts struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// Option defines a configuration option for the client.
type Option func(*Opts)

// WithBaseURL sets the API base URL, e.g. https://ticketing.example.com/api.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithAPIKey sets the x-api-key header value.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithMaxRetries sets retries for idempotent lookups. Report creation is never retried.
func WithMaxRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// NewClient creates a client. A base URL is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Timeout: DefaultTimeout, MaxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ticketing API URL not set")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid ticketing API URL: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		http:       hc,
		maxRetries: uint(cfg.MaxRetries),
	}, nil
}

type listEnvelope struct {
	Data []Customer `json:"data"`
}

type reportEnvelope struct {
	Message string `json:"message"`
	Data    struct {
		ID     FlexString `json:"id"`
		Status string     `json:"status"`
	} `json:"data"`
}

// SearchCustomers searches the ticketing customer directory.
func (c *Client) SearchCustomers(ctx context.Context, query string) ([]Customer, error) {
	return c.search(ctx, "/customers/search", query)
}

// SearchIntynetCustomers searches the Intynet provisioning system through the ticketing API.
func (c *Client) SearchIntynetCustomers(ctx context.Context, query string) ([]Customer, error) {
	return c.search(ctx, "/intynet/customers/search", query)
}

func (c *Client) search(ctx context.Context, path, query string) ([]Customer, error) {
	endpoint := c.baseURL + path + "?" + url.Values{"search": {query}}.Encode()
	op := func() ([]Customer, error) {
		var env listEnvelope
		err := c.do(ctx, http.MethodGet, endpoint, nil, &env)
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return env.Data, err
	}
	customers, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(lookupBackOff()),
		backoff.WithMaxTries(c.maxRetries+1),
	)
	if err != nil {
		slog.Error("Client.search failed", "path", path, "query", query, "error", err)
		return nil, err
	}
	slog.Debug("Client.search succeeded", "path", path, "query", query, "results", len(customers))
	return customers, nil
}

// CreateCustomer registers an Intynet customer in the ticketing directory.
func (c *Client) CreateCustomer(ctx context.Context, cust Customer) error {
	payload := newCustomerPayload(cust)
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/customers", payload, nil); err != nil {
		slog.Error("Client.CreateCustomer failed", "referencesNumber", payload.ReferencesNumber, "error", err)
		return err
	}
	slog.Info("Client.CreateCustomer succeeded", "referencesNumber", payload.ReferencesNumber)
	return nil
}

// CreateIncomingReport files a report and returns its id.
func (c *Client) CreateIncomingReport(ctx context.Context, r Report) (string, error) {
	var env reportEnvelope
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/incoming-reports", newReportPayload(r), &env); err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(env.Data.ID))
	if id == "" {
		return "", fmt.Errorf("incoming report created without id")
	}
	return id, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func lookupBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

// retryable reports whether a lookup failure is worth another attempt.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
