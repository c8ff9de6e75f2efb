package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/intynet/neti/internal/models"
	"github.com/intynet/neti/internal/relay"
)

// maxWebhookBody bounds webhook payloads read into memory.
const maxWebhookBody = 1 << 20

// RelaySender is the part of the relay client used by RelayService.
type RelaySender interface {
	SendMessage(ctx context.Context, roomID, customerID, body string) error
	Escalation(ctx context.Context, roomID string) (relay.Escalation, error)
	MarkEscalated(ctx context.Context, roomID string) error
	RemoveTag(ctx context.Context, roomID, tagID string) error
}

// RelayService implements Service over the Qiscus relay. Inbound messages
// arrive through WebhookHandler.
type RelayService struct {
	client RelaySender
	*inbox
}

var (
	_ Service   = (*RelayService)(nil)
	_ Escalator = (*RelayService)(nil)
)

// NewRelayService creates a RelayService around client.
func NewRelayService(client RelaySender) *RelayService {
	return &RelayService{client: client, inbox: newInbox("RelayService")}
}

func (s *RelayService) Channel() models.Channel { return models.ChannelRelay }

// Start is a no-op; the relay pushes messages to the webhook.
func (s *RelayService) Start(ctx context.Context) error { return nil }

// Stop closes the inbound channel.
func (s *RelayService) Stop() error {
	s.inbox.close()
	return nil
}

// SendMessage posts body into the customer's room.
func (s *RelayService) SendMessage(ctx context.Context, to models.Address, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	if to.RoomID == "" {
		return fmt.Errorf("relay reply to %s: %w", to.CustomerID, models.ErrEmptyRecipient)
	}
	return s.client.SendMessage(ctx, to.RoomID, to.CustomerID, body)
}

// Escalate tags the room for a human agent.
func (s *RelayService) Escalate(ctx context.Context, to models.Address) error {
	if to.RoomID == "" {
		return nil
	}
	return s.client.MarkEscalated(ctx, to.RoomID)
}

// EscalationActive reports whether a human agent still owns the room. An
// expired tag is removed so the bot takes over again.
func (s *RelayService) EscalationActive(ctx context.Context, to models.Address) (bool, error) {
	if to.RoomID == "" {
		return false, nil
	}
	esc, err := s.client.Escalation(ctx, to.RoomID)
	if err != nil {
		return false, err
	}
	if esc.Tagged && esc.Expired {
		slog.Info("RelayService.EscalationActive: escalation tag expired, removing", "roomID", to.RoomID, "tagID", esc.TagID)
		if err := s.client.RemoveTag(ctx, to.RoomID, esc.TagID); err != nil {
			slog.Warn("RelayService.EscalationActive: remove expired tag failed", "roomID", to.RoomID, "error", err)
		}
	}
	return esc.Active(), nil
}

// WebhookHandler accepts relay webhooks. It always answers 200 for
// well-formed requests so the relay does not redeliver.
func (s *RelayService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		slog.Error("RelayService.WebhookHandler: read body failed", "error", err)
		writeJSON(w, http.StatusBadRequest, models.Error("unreadable body"))
		return
	}

	msg, err := relay.ParseWebhook(data, time.Now())
	if err != nil {
		var ignored *relay.IgnoredError
		if errors.As(err, &ignored) {
			slog.Debug("RelayService.WebhookHandler: ignored", "reason", ignored.Reason)
			writeJSON(w, http.StatusOK, models.Ignored(ignored.Reason))
			return
		}
		slog.Warn("RelayService.WebhookHandler: invalid payload", "error", err)
		writeJSON(w, http.StatusOK, models.Error(err.Error()))
		return
	}

	slog.Info("RelayService.WebhookHandler: inbound message", "customerID", msg.CustomerID, "roomID", msg.RoomID, "length", len(msg.Text))
	if !s.emit(msg) {
		writeJSON(w, http.StatusServiceUnavailable, models.Error("message not accepted"))
		return
	}
	writeJSON(w, http.StatusOK, models.Buffered(msg.CustomerID))
}
