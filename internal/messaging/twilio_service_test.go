package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/intynet/neti/internal/models"
	"github.com/intynet/neti/internal/twiliowhatsapp"
)

func twilioRequest(form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestTwilioService_SendMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	if err := svc.SendMessage(context.Background(), models.Address{CustomerID: "+62 811-1234"}, "halo"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].To != "628111234" {
		t.Errorf("unexpected sent messages %+v", sent)
	}

	if err := svc.SendMessage(context.Background(), models.Address{CustomerID: "abc"}, "halo"); err == nil {
		t.Error("expected invalid recipient error")
	}
}

func TestTwilioService_WebhookEmits(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	form := url.Values{
		"From":        {"whatsapp:+628111234"},
		"Body":        {"internet lambat"},
		"MessageSid":  {"SM1"},
		"ProfileName": {"Budi"},
	}
	rr := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rr, twilioRequest(form))

	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "<Response>") {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}
	select {
	case msg := <-svc.Inbound():
		if msg.CustomerID != "628111234" || msg.MessageID != "SM1" || msg.CustomerName != "Budi" {
			t.Errorf("unexpected message %+v", msg)
		}
		if msg.Channel != models.ChannelTwilio {
			t.Errorf("unexpected channel %s", msg.Channel)
		}
	default:
		t.Fatal("expected inbound message")
	}
}

func TestTwilioService_WebhookMissingFields(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rr := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rr, twilioRequest(url.Values{"From": {"whatsapp:+628111234"}}))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestTwilioService_WebhookRejectsForgedSignature(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(),
		WithSignatureValidation("secret-token", "https://neti.example.com/webhook/twilio"))

	req := twilioRequest(url.Values{"From": {"whatsapp:+628111234"}, "Body": {"halo"}})
	req.Header.Set("X-Twilio-Signature", "forged")
	rr := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rr.Code)
	}
}
