package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/intynet/neti/internal/models"
)

// IgnoredError marks a webhook that is well-formed but carries nothing to
// process, such as an image or an empty payload.
type IgnoredError struct {
	Reason string
}

func (e *IgnoredError) Error() string { return "ignored webhook: " + e.Reason }

// IsIgnored reports whether err is an IgnoredError.
func IsIgnored(err error) bool {
	var ie *IgnoredError
	return errors.As(err, &ie)
}

// FlexID accepts ids sent either as JSON strings or numbers.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

type webhookPayload struct {
	From struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"from"`
	Room struct {
		ID FlexID `json:"id"`
	} `json:"room"`
	Message struct {
		ID   FlexID `json:"id"`
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"message"`
}

type webhookEnvelope struct {
	Payload *webhookPayload `json:"payload"`
	Body    struct {
		Payload *webhookPayload `json:"payload"`
	} `json:"body"`
}

// ParseWebhook decodes a relay webhook into an inbound message. The relay
// sometimes wraps the event in an array or in a "body" object.
func ParseWebhook(data []byte, receivedAt time.Time) (models.InboundMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(data, &list); err != nil {
			return models.InboundMessage{}, fmt.Errorf("decode relay webhook: %w", err)
		}
		if len(list) == 0 {
			return models.InboundMessage{}, &IgnoredError{Reason: "no_payload"}
		}
		data = list[0]
	}

	var env webhookEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return models.InboundMessage{}, fmt.Errorf("decode relay webhook: %w", err)
	}
	p := env.Payload
	if p == nil {
		p = env.Body.Payload
	}
	if p == nil {
		return models.InboundMessage{}, &IgnoredError{Reason: "no_payload"}
	}

	msgType := p.Message.Type
	if msgType == "" {
		msgType = "text"
	}
	text := strings.TrimSpace(p.Message.Text)
	if msgType != "text" || text == "" {
		return models.InboundMessage{}, &IgnoredError{Reason: "non_text"}
	}

	msg := models.InboundMessage{
		MessageID:    string(p.Message.ID),
		Channel:      models.ChannelRelay,
		CustomerID:   strings.TrimSpace(p.From.Email),
		CustomerName: strings.TrimSpace(p.From.Name),
		RoomID:       string(p.Room.ID),
		Text:         text,
		ReceivedAt:   receivedAt,
	}
	if err := msg.Validate(); err != nil {
		return models.InboundMessage{}, err
	}
	return msg, nil
}
