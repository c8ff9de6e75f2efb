package messaging

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/intynet/neti/internal/models"
	"github.com/intynet/neti/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio API. Inbound messages
// arrive through TwilioWebhookHandler.
type TwilioService struct {
	*inbox

	client    twiliowhatsapp.Sender // Could be real Twilio client or MockClient
	validator *twiliowhatsapp.SignatureValidator
	publicURL string
}

var _ Service = (*TwilioService)(nil)

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidation rejects webhooks whose X-Twilio-Signature does not
// match. publicURL is the webhook URL as configured in Twilio.
func WithSignatureValidation(authToken, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		s.validator = twiliowhatsapp.NewSignatureValidator(authToken)
		s.publicURL = publicURL
	}
}

// NewTwilioService creates a new TwilioService around client.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{client: client, inbox: newInbox("TwilioService")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TwilioService) Channel() models.Channel { return models.ChannelTwilio }

// Start is a no-op for Twilio (no live client)
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the inbound channel.
func (s *TwilioService) Stop() error {
	s.inbox.close()
	return nil
}

// SendMessage sends a message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to models.Address, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := CanonicalizePhone(to.CustomerID)
	if err != nil {
		slog.Error("TwilioService.SendMessage: invalid recipient", "error", err, "to", to.CustomerID)
		return err
	}
	return s.client.SendMessage(ctx, canonicalTo, body)
}

// TwilioWebhookHandler handles inbound Twilio webhook requests.
// It parses incoming messages and emits them into the Inbound() channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.Validate(s.publicURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService: webhook signature mismatch")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := r.FormValue("From")
	body := strings.TrimSpace(r.FormValue("Body"))
	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from", from, "body_length", len(body))
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	customerID, err := CanonicalizePhone(strings.TrimPrefix(from, twiliowhatsapp.WhatsAppPrefix))
	if err != nil {
		slog.Warn("Twilio webhook invalid sender", "from", from, "error", err)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	msg := models.InboundMessage{
		MessageID:    r.FormValue("MessageSid"),
		Channel:      models.ChannelTwilio,
		CustomerID:   customerID,
		CustomerName: r.FormValue("ProfileName"),
		Text:         body,
		ReceivedAt:   time.Now(),
	}
	if err := msg.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	slog.Info("Inbound WhatsApp message from Twilio", "customerID", customerID, "length", len(body))
	if !s.emit(msg) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	// An empty TwiML response; the reply is sent through the REST API.
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<Response></Response>"))
}
