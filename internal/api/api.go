// Package api provides the HTTP server of the Neti support bot.
//
// It exposes the channel webhooks, a synchronous test endpoint, session
// administration, health and statistics. Routing uses chi.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/intynet/neti/internal/flow"
	"github.com/intynet/neti/internal/models"
)

// Server defaults.
const (
	DefaultAddr            = ":8080"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 90 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Conversation is the conversation service behind the API.
// *flow.Conversation implements it.
type Conversation interface {
	HandleMessage(ctx context.Context, customerID, customerName, text string) (flow.Reply, error)
	Reset(ctx context.Context, customerID string) error
	Get(ctx context.Context, customerID string) (*models.Session, error)
	List(ctx context.Context) ([]models.Session, error)
	Stats(ctx context.Context) (flow.Stats, error)
}

// Pinger reports backend health. store.SessionStore implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Buffer reports how many customers have debounced messages waiting.
// *messaging.Router implements it.
type Buffer interface {
	Pending() int
}

// Opts holds configuration options for the server.
type Opts struct {
	Addr          string
	RelayWebhook  http.HandlerFunc
	TwilioWebhook http.HandlerFunc
	Store         Pinger
	StoreKind     string
	Buffer        Buffer
	BufferDelay   time.Duration
	Environment   string
}

// Option defines a configuration option for the server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithRelayWebhook mounts the relay webhook at POST /webhook/relay.
func WithRelayWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.RelayWebhook = h }
}

// WithTwilioWebhook mounts the Twilio webhook at POST /webhook/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// WithStore reports the session store in /health.
func WithStore(p Pinger, kind string) Option {
	return func(o *Opts) {
		o.Store = p
		o.StoreKind = kind
	}
}

// WithBuffer reports the inbound debouncer in /stats.
func WithBuffer(b Buffer, delay time.Duration) Option {
	return func(o *Opts) {
		o.Buffer = b
		o.BufferDelay = delay
	}
}

// WithEnvironment sets the environment name reported by /health.
func WithEnvironment(env string) Option {
	return func(o *Opts) { o.Environment = env }
}

// Server is the HTTP front of the bot.
type Server struct {
	conv Conversation
	opts Opts
	now  func() time.Time
}

// NewServer creates a server around conv.
func NewServer(conv Conversation, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, Environment: "development"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{conv: conv, opts: cfg, now: time.Now}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/health", s.healthHandler)
	r.Get("/stats", s.statsHandler)

	if s.opts.RelayWebhook != nil {
		r.Post("/webhook/relay", s.opts.RelayWebhook)
	}
	if s.opts.TwilioWebhook != nil {
		r.Post("/webhook/twilio", s.opts.TwilioWebhook)
	}
	r.Post("/test/message", s.testMessageHandler)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.listSessionsHandler)
		r.Get("/{customerID}", s.getSessionHandler)
		r.Delete("/{customerID}", s.deleteSessionHandler)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("Server.Run: listen failed", "error", err)
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: forced shutdown", "error", err)
		return err
	}
	return nil
}
