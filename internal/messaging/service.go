// Package messaging connects WhatsApp channels to the conversation service.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/intynet/neti/internal/models"
)

// Constants for channel services.
const (
	// DefaultChannelBufferSize defines the buffer size of inbound message channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an inbound message may wait for a reader
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service is a WhatsApp delivery channel.
type Service interface {
	// Channel names the transport.
	Channel() models.Channel

	// SendMessage delivers a text reply.
	SendMessage(ctx context.Context, to models.Address, body string) error

	// Start begins any background processing (e.g., event handling).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the inbound channel.
	Stop() error

	// Inbound returns a channel of customer messages.
	Inbound() <-chan models.InboundMessage
}

// Escalator is implemented by channels that can flag a conversation for a
// human agent and report whether one already owns it.
type Escalator interface {
	Escalate(ctx context.Context, to models.Address) error
	EscalationActive(ctx context.Context, to models.Address) (active bool, err error)
}

// CanonicalizePhone strips everything but digits and requires at least 6.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != recipient {
		slog.Debug("messaging.CanonicalizePhone: canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// inbox is the inbound side shared by every service.
type inbox struct {
	name     string
	messages chan models.InboundMessage
	mu       sync.RWMutex
	stopped  bool
}

func newInbox(name string) *inbox {
	return &inbox{name: name, messages: make(chan models.InboundMessage, DefaultChannelBufferSize)}
}

func (b *inbox) Inbound() <-chan models.InboundMessage { return b.messages }

func (b *inbox) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}

// emit pushes msg without blocking the caller for longer than
// DefaultChannelTimeout. It reports whether the message was accepted.
func (b *inbox) emit(msg models.InboundMessage) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn(b.name+" dropping inbound message (service stopped)", "customerID", msg.CustomerID)
		return false
	}
	select {
	case b.messages <- msg:
		slog.Debug(b.name+" emitted inbound message", "customerID", msg.CustomerID, "messageID", msg.MessageID)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(b.name+" inbound channel blocked, dropping message", "customerID", msg.CustomerID)
		return false
	}
}

// close marks the inbox stopped and closes the channel once.
func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.messages)
}
