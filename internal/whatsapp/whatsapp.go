// Package whatsapp wraps the Whatsmeow client for a direct WhatsApp Web
// channel, used when the bot runs on its own number instead of behind the
// relay or Twilio.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/intynet/neti/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

const (
	// DefaultSQLitePath is the device store used when no DSN is given.
	DefaultSQLitePath = "/var/lib/neti/whatsmeow.db"
	// JIDSuffix is the server part of a personal WhatsApp JID.
	JIDSuffix = types.DefaultUserServer
)

// Sender sends a text to a phone number. *Client and *MockClient implement it.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts configures NewClient.
type Opts struct {
	DBDSN       string
	QRPath      string
	NumericCode bool
	LogLevel    string
}

type Option func(*Opts)

// WithDBDSN sets the whatsmeow device store DSN (SQLite path or postgres URL).
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode prints the raw login code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// WithLogLevel sets the whatsmeow log level (DEBUG, INFO, WARN, ERROR).
func WithLogLevel(level string) Option {
	return func(o *Opts) { o.LogLevel = level }
}

// Client is a connected WhatsApp Web session.
type Client struct {
	waClient *whatsmeow.Client
}

// deviceStoreDriver maps a DSN onto the database/sql driver whatsmeow opens.
func deviceStoreDriver(dsn string) string {
	if store.DetectDSNType(dsn) == store.DSNTypePostgres {
		return "postgres"
	}
	return "sqlite3"
}

// whatsmeow's schema relies on cascading deletes.
func foreignKeysEnabled(dsn string) bool {
	return strings.Contains(dsn, "foreign_keys")
}

// NewClient opens the device store, pairs the device when it has no
// identity yet and connects.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := Opts{DBDSN: DefaultSQLitePath, LogLevel: "INFO"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = DefaultSQLitePath
	}

	waClient, err := openDevice(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if waClient.Store.ID == nil {
		err = pair(ctx, waClient, cfg)
	} else {
		err = waClient.Connect()
	}
	if err != nil {
		return nil, fmt.Errorf("connect whatsapp: %w", err)
	}
	slog.Info("WhatsApp.NewClient: connected", "jid", waClient.Store.ID)
	return &Client{waClient: waClient}, nil
}

func openDevice(ctx context.Context, cfg Opts) (*whatsmeow.Client, error) {
	driver := deviceStoreDriver(cfg.DBDSN)
	if driver == "sqlite3" && !foreignKeysEnabled(cfg.DBDSN) {
		slog.Warn("WhatsApp.openDevice: SQLite DSN without foreign keys, append ?_foreign_keys=on", "dsn", cfg.DBDSN)
	}
	container, err := sqlstore.New(ctx, driver, cfg.DBDSN, waLog.Stdout("Database", cfg.LogLevel, true))
	if err != nil {
		return nil, fmt.Errorf("open whatsapp device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load whatsapp device: %w", err)
	}
	return whatsmeow.NewClient(device, waLog.Stdout("Client", cfg.LogLevel, true)), nil
}

// pair renders login codes until the phone scans one or the channel closes.
func pair(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	qrChan, err := waClient.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("start pairing: %w", err)
	}
	if err := waClient.Connect(); err != nil {
		return err
	}

	out := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("create QR output: %w", err)
		}
		defer f.Close()
		out = f
	}
	slog.Info("WhatsApp.pair: waiting for the phone to scan the login code", "output", cfg.QRPath)
	for evt := range qrChan {
		switch {
		case evt.Event != "code":
			slog.Info("WhatsApp.pair: login event", "event", evt.Event)
		case cfg.NumericCode:
			fmt.Fprintln(out, evt.Code)
		default:
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, out)
		}
	}
	return nil
}

// SendMessage sends a text message to a phone number in international format.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	switch {
	case c.waClient == nil:
		return errors.New("whatsapp client not connected")
	case to == "":
		return errors.New("empty recipient")
	case strings.TrimSpace(body) == "":
		return errors.New("empty message body")
	}

	jid := types.NewJID(strings.TrimPrefix(to, "+"), JIDSuffix)
	resp, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)})
	if err != nil {
		return fmt.Errorf("send whatsapp message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp.SendMessage: sent", "to", to, "messageID", resp.ID)
	return nil
}

// AddEventHandler registers a whatsmeow event handler.
func (c *Client) AddEventHandler(h func(evt interface{})) uint32 {
	return c.waClient.AddEventHandler(h)
}

// Disconnect closes the websocket connection.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// TextOf returns the text of a plain or extended text message, or "".
func TextOf(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if t := msg.GetConversation(); t != "" {
		return t
	}
	return msg.GetExtendedTextMessage().GetText()
}

// MockClient records sends in memory.
type MockClient struct {
	Sent []MockMessage
}

// MockMessage is one message recorded by MockClient.
type MockMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.Sent = append(m.Sent, MockMessage{To: to, Body: body})
	return nil
}
