// Package relay talks to the Qiscus omnichannel relay that fronts the
// WhatsApp business number: sending replies into a room and managing the
// room tag that marks conversations escalated to human agents.
package relay

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

// Defaults for the relay client.
const (
	DefaultTimeout      = 15 * time.Second
	DefaultEscalatedTag = "Direspon AI"
	DefaultTagExpiry    = 48 * time.Hour
	DefaultMaxRetries   = 2
	maxErrorBody        = 512
	tagTimeLayout       = "2006-01-02T15:04:05"
)

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay API returned %d: %s", e.StatusCode, e.Body)
}

// Tag is a room tag as returned by the relay.
type Tag struct {
	ID        FlexID `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"room_tag_created"`
}

// Escalation describes the escalation tag on a room.
type Escalation struct {
	Tagged  bool
	Expired bool
	TagID   string
}

// Active reports whether a human agent still owns the room.
func (e Escalation) Active() bool { return e.Tagged && !e.Expired }

// Client is a relay API client.
type Client struct {
	sendURL      string
	baseURL      string
	appID        string
	secretKey    string
	escalatedTag string
	tagID        string
	tagExpiry    time.Duration
	maxRetries   uint
	http         *http.Client
	now          func() time.Time
}

// Opts holds configuration options for the relay client.
type Opts struct {
	SendURL      string
	BaseURL      string
	AppID        string
	SecretKey    string
	EscalatedTag string
	TagID        string
	TagExpiry    time.Duration
	Timeout      time.Duration
	MaxRetries   int
	HTTPClient   *http.Client
}

// Option defines a configuration option for the relay client.
type Option func(*Opts)

// WithSendURL sets the message send endpoint.
func WithSendURL(u string) Option {
	return func(o *Opts) { o.SendURL = u }
}

// WithBaseURL sets the base URL of the room tag API.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithCredentials sets the app id and secret key headers.
func WithCredentials(appID, secretKey string) Option {
	return func(o *Opts) {
		o.AppID = appID
		o.SecretKey = secretKey
	}
}

// WithEscalatedTag sets the tag name and optional numeric id marking escalated rooms.
func WithEscalatedTag(name, id string) Option {
	return func(o *Opts) {
		o.EscalatedTag = name
		o.TagID = id
	}
}

// WithTagExpiry sets how long an escalation tag is honoured.
func WithTagExpiry(d time.Duration) Option {
	return func(o *Opts) { o.TagExpiry = d }
}

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithMaxRetries sets the retry count for sends.
func WithMaxRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// NewClient creates a relay client. The send URL and credentials are required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		EscalatedTag: DefaultEscalatedTag,
		TagExpiry:    DefaultTagExpiry,
		Timeout:      DefaultTimeout,
		MaxRetries:   DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("relay.NewClient: config loaded",
		"SendURL_set", cfg.SendURL != "", "BaseURL_set", cfg.BaseURL != "",
		"AppID_set", cfg.AppID != "", "SecretKey_set", cfg.SecretKey != "")
	if cfg.SendURL == "" {
		return nil, fmt.Errorf("relay send URL not set")
	}
	if cfg.AppID == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("relay app id and secret key must be provided")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.EscalatedTag == "" {
		cfg.EscalatedTag = DefaultEscalatedTag
	}
	return &Client{
		sendURL:      cfg.SendURL,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		appID:        cfg.AppID,
		secretKey:    cfg.SecretKey,
		escalatedTag: cfg.EscalatedTag,
		tagID:        cfg.TagID,
		tagExpiry:    cfg.TagExpiry,
		maxRetries:   uint(cfg.MaxRetries),
		http:         hc,
		now:          time.Now,
	}, nil
}

type textBody struct {
	Body string `json:"body"`
}

type sendPayload struct {
	To     string   `json:"to"`
	Type   string   `json:"type"`
	Text   textBody `json:"text"`
	RoomID string   `json:"room_id"`
}

// SendMessage posts a text reply into the customer's room.
func (c *Client) SendMessage(ctx context.Context, roomID, customerID, body string) error {
	if roomID == "" {
		return fmt.Errorf("relay room id cannot be empty")
	}
	if body == "" {
		return nil
	}
	data, err := json.Marshal(sendPayload{To: customerID, Type: "text", Text: textBody{Body: body}, RoomID: roomID})
	if err != nil {
		return fmt.Errorf("encode relay message: %w", err)
	}
	req := requestBody{contentType: "application/json", data: data}

	op := func() (struct{}, error) {
		err := c.do(ctx, http.MethodPost, c.sendURL, req, nil)
		if err != nil && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 300 * time.Millisecond
	b.MaxInterval = 3 * time.Second
	if _, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(c.maxRetries+1)); err != nil {
		slog.Error("Client.SendMessage failed", "roomID", roomID, "customerID", customerID, "error", err)
		return fmt.Errorf("send relay message to room %s: %w", roomID, err)
	}
	slog.Debug("Client.SendMessage succeeded", "roomID", roomID, "customerID", customerID)
	return nil
}

// RoomTags lists the tags of a room.
func (c *Client) RoomTags(ctx context.Context, roomID string) ([]Tag, error) {
	if c.baseURL == "" {
		return nil, nil
	}
	var env struct {
		Data []Tag `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/room_tags/"+url.PathEscape(roomID), requestBody{}, &env); err != nil {
		return nil, fmt.Errorf("list room tags %s: %w", roomID, err)
	}
	return env.Data, nil
}

// Escalation reports whether the room carries the escalation tag and whether
// that tag outlived the configured expiry.
func (c *Client) Escalation(ctx context.Context, roomID string) (Escalation, error) {
	tags, err := c.RoomTags(ctx, roomID)
	if err != nil {
		return Escalation{}, err
	}
	for _, t := range tags {
		if t.Name != c.escalatedTag && (c.tagID == "" || string(t.ID) != c.tagID) {
			continue
		}
		esc := Escalation{Tagged: true, TagID: string(t.ID)}
		if t.CreatedAt != "" && c.tagExpiry > 0 {
			created, err := time.Parse(tagTimeLayout, t.CreatedAt)
			if err != nil {
				slog.Warn("Client.Escalation: unparseable tag time", "roomID", roomID, "created", t.CreatedAt, "error", err)
			} else {
				esc.Expired = c.now().UTC().After(created.Add(c.tagExpiry))
			}
		}
		return esc, nil
	}
	return Escalation{}, nil
}

// MarkEscalated tags the room for human follow-up.
func (c *Client) MarkEscalated(ctx context.Context, roomID string) error {
	if c.baseURL == "" {
		slog.Debug("Client.MarkEscalated: tag API not configured", "roomID", roomID)
		return nil
	}
	form := url.Values{"tag": {c.escalatedTag}}
	err := c.do(ctx, http.MethodPost, c.baseURL+"/room_tags/"+url.PathEscape(roomID),
		requestBody{contentType: "application/x-www-form-urlencoded", data: []byte(form.Encode())}, nil)
	if err != nil {
		return fmt.Errorf("tag room %s: %w", roomID, err)
	}
	slog.Info("Client.MarkEscalated: room tagged", "roomID", roomID, "tag", c.escalatedTag)
	return nil
}

// RemoveTag deletes a tag from the room.
func (c *Client) RemoveTag(ctx context.Context, roomID, tagID string) error {
	if c.baseURL == "" {
		return nil
	}
	endpoint := c.baseURL + "/room_tags/" + url.PathEscape(roomID) + "/" + url.PathEscape(tagID)
	if err := c.do(ctx, http.MethodDelete, endpoint, requestBody{}, nil); err != nil {
		return fmt.Errorf("remove tag %s from room %s: %w", tagID, roomID, err)
	}
	slog.Info("Client.RemoveTag: tag removed", "roomID", roomID, "tagID", tagID)
	return nil
}

type requestBody struct {
	contentType string
	data        []byte
}

func (c *Client) do(ctx context.Context, method, endpoint string, body requestBody, out any) error {
	var reader io.Reader
	if body.data != nil {
		reader = bytes.NewReader(body.data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Qiscus-App-Id", c.appID)
	req.Header.Set("Qiscus-Secret-Key", c.secretKey)
	if body.contentType != "" {
		req.Header.Set("Content-Type", body.contentType)
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
