package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/intynet/neti/internal/models"
	"github.com/intynet/neti/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// eventSource is implemented by *whatsapp.Client.
type eventSource interface {
	AddEventHandler(h func(evt interface{})) uint32
}

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	*inbox

	client whatsapp.Sender
	events eventSource // nil for mocks
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{client: client, inbox: newInbox("WhatsAppService")}
	if src, ok := client.(eventSource); ok {
		s.events = src
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return s
}

func (s *WhatsAppService) Channel() models.Channel { return models.ChannelWhatsApp }

// Start registers the inbound message handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.events == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
		return nil
	}
	s.events.AddEventHandler(func(evt interface{}) {
		if v, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(v)
		}
	})
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop closes the inbound channel.
func (s *WhatsAppService) Stop() error {
	s.inbox.close()
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends a text message to the customer's number.
func (s *WhatsAppService) SendMessage(ctx context.Context, to models.Address, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := CanonicalizePhone(to.CustomerID)
	if err != nil {
		slog.Error("WhatsAppService.SendMessage: invalid recipient", "error", err, "to", to.CustomerID)
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		return err
	}
	return nil
}

// handleIncomingMessage converts direct text messages into inbound messages.
// Group chats, own messages and non-text messages are skipped.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	text := whatsapp.TextOf(evt.Message)
	if text == "" {
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}
	customerID, err := CanonicalizePhone(evt.Info.Sender.User)
	if err != nil {
		slog.Warn("WhatsAppService ignoring message from invalid sender", "from", evt.Info.Sender.String(), "error", err)
		return
	}
	received := evt.Info.Timestamp
	if received.IsZero() {
		received = time.Now()
	}
	msg := models.InboundMessage{
		MessageID:    evt.Info.ID,
		Channel:      models.ChannelWhatsApp,
		CustomerID:   customerID,
		CustomerName: evt.Info.PushName,
		Text:         text,
		ReceivedAt:   received,
	}
	if err := msg.Validate(); err != nil {
		slog.Warn("WhatsAppService dropping invalid message", "customerID", customerID, "error", err)
		return
	}
	s.emit(msg)
}
