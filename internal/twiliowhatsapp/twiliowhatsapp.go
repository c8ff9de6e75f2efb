// Package twiliowhatsapp wraps the Twilio API for WhatsApp replies.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// WhatsAppPrefix marks WhatsApp addresses in Twilio.
const WhatsAppPrefix = "whatsapp:"

// Sender sends WhatsApp messages through Twilio (real client or MockClient).
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number, with or without the whatsapp: prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// MaxBodyLength is the longest body Twilio accepts for one message.
const MaxBodyLength = 1600

// messageCreator is the part of the Twilio REST API the client uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Client sends WhatsApp messages from one Twilio sender number.
type Client struct {
	api  messageCreator
	from string
}

// NewClient creates a Twilio client. SID, token and sender number are required.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.AccountSID == "" || cfg.AuthToken == "":
		return nil, errors.New("twilio account SID and auth token are required")
	case strings.TrimSpace(cfg.FromWhats) == "":
		return nil, errors.New("twilio sender number is required")
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	c := &Client{api: rest.Api, from: WhatsAppAddress(cfg.FromWhats)}
	slog.Debug("TwilioClient.NewClient: ready", "from", c.from)
	return c, nil
}

// WhatsAppAddress returns number with the whatsapp: prefix and a leading +.
func WhatsAppAddress(number string) string {
	n := strings.TrimPrefix(strings.TrimSpace(number), WhatsAppPrefix)
	if !strings.HasPrefix(n, "+") {
		n = "+" + n
	}
	return WhatsAppPrefix + n
}

// SendMessage sends body to the WhatsApp number to. Bodies over
// MaxBodyLength are cut at a rune boundary.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if to == "" {
		return errors.New("empty recipient")
	}
	if r := []rune(body); len(r) > MaxBodyLength {
		slog.Warn("TwilioClient.SendMessage: truncating long body", "to", to, "length", len(r))
		body = string(r[:MaxBodyLength])
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(WhatsAppAddress(to))
	params.SetFrom(c.from)
	params.SetBody(body)

	resp, err := c.api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("twilio send to %s: %w", to, err)
	}
	if resp != nil && resp.Sid != nil {
		slog.Debug("TwilioClient.SendMessage: sent", "to", to, "sid", *resp.Sid)
	}
	return nil
}

// SignatureValidator checks the X-Twilio-Signature header of webhooks.
type SignatureValidator struct {
	rv twilioClient.RequestValidator
}

// NewSignatureValidator creates a validator for the account's auth token.
func NewSignatureValidator(authToken string) *SignatureValidator {
	return &SignatureValidator{rv: twilioClient.NewRequestValidator(authToken)}
}

// Validate reports whether signature matches the full request URL and form params.
func (v *SignatureValidator) Validate(url string, params map[string]string, signature string) bool {
	return v.rv.Validate(url, params, signature)
}

// MockClient records messages instead of sending them (for tests).
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Err          error
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}
