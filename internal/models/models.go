// Package models defines the core data structures for the Neti support bot.
//
// It includes the session record, inbound message envelopes and the JSON
// envelope returned by the HTTP API, which are shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// Channel names the transport an inbound message arrived on.
type Channel string

const (
	ChannelRelay    Channel = "relay"
	ChannelTwilio   Channel = "twilio"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelTest     Channel = "test"
)

// MaxMessageLength caps inbound text accepted from any channel.
const MaxMessageLength = 4096

var (
	ErrEmptySender    = errors.New("sender cannot be empty")
	ErrEmptyMessage   = errors.New("message text cannot be empty")
	ErrMessageTooLong = errors.New("message text exceeds maximum length")
	ErrUnknownChannel = errors.New("unknown channel")
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
)

// Address identifies where a reply should be delivered.
type Address struct {
	CustomerID string `json:"customer_id"`
	// RoomID is the relay conversation room; empty for direct channels.
	RoomID string `json:"room_id,omitempty"`
}

// InboundMessage is a customer message received from a messaging channel.
type InboundMessage struct {
	MessageID    string    `json:"message_id,omitempty"`
	Channel      Channel   `json:"channel"`
	CustomerID   string    `json:"customer_id"`
	CustomerName string    `json:"customer_name,omitempty"`
	RoomID       string    `json:"room_id,omitempty"`
	Text         string    `json:"text"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Validate checks that the message can be handed to the conversation.
func (m *InboundMessage) Validate() error {
	if strings.TrimSpace(m.CustomerID) == "" {
		return ErrEmptySender
	}
	if strings.TrimSpace(m.Text) == "" {
		return ErrEmptyMessage
	}
	if len(m.Text) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// ReplyAddress returns where the reply to this message goes.
func (m *InboundMessage) ReplyAddress() Address {
	return Address{CustomerID: m.CustomerID, RoomID: m.RoomID}
}

// OutboundMessage is a reply queued for delivery on a channel.
type OutboundMessage struct {
	Channel Channel `json:"channel"`
	To      Address `json:"to"`
	Body    string  `json:"body"`
	// Escalate asks the channel to flag the conversation for a human agent.
	Escalate bool `json:"escalate,omitempty"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusBuffered indicates an inbound message was accepted for delayed processing.
	APIStatusBuffered APIStatus = "buffered"
	// APIStatusIgnored indicates an inbound payload carried nothing to process.
	APIStatusIgnored APIStatus = "ignored"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithMessage(message).WithResult(result).Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}

// Buffered acknowledges an inbound message queued for processing.
func Buffered(customerID string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusBuffered).
		WithResult(map[string]string{"customer_id": customerID}).
		Build()
}

// Ignored acknowledges a webhook that carried no processable message.
func Ignored(reason string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusIgnored).WithMessage(reason).Build()
}
