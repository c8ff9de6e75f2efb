package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/intynet/neti/internal/flow"
	"github.com/intynet/neti/internal/intent"
	"github.com/intynet/neti/internal/models"
	"github.com/intynet/neti/internal/store"
)

// DefaultHandleTimeout bounds the processing of one batch.
const DefaultHandleTimeout = 60 * time.Second

// Handler answers a customer message. *flow.Conversation implements it.
type Handler interface {
	HandleMessage(ctx context.Context, customerID, customerName, text string) (flow.Reply, error)
}

// reportTopics are words that tie a message to an open report even without
// a failure signal, such as "gimana laporan saya".
var reportTopics = []string{"internet", "wifi", "koneksi", "laporan", "tiket", "teknisi", "gangguan", "kendala", "masalah"}

// RouterOpts holds configuration options for a Router.
type RouterOpts struct {
	Dedup         store.DedupRepo
	Outbox        store.OutboxRepo
	BufferDelay   time.Duration
	HandleTimeout time.Duration
}

// RouterOption defines a configuration option for a Router.
type RouterOption func(*RouterOpts)

// WithDedup drops inbound messages whose provider id was already seen.
func WithDedup(repo store.DedupRepo) RouterOption {
	return func(o *RouterOpts) { o.Dedup = repo }
}

// WithOutbox queues replies durably instead of sending them inline.
func WithOutbox(repo store.OutboxRepo) RouterOption {
	return func(o *RouterOpts) { o.Outbox = repo }
}

// WithBufferDelay sets the per-customer debounce delay. Zero disables buffering.
func WithBufferDelay(d time.Duration) RouterOption {
	return func(o *RouterOpts) { o.BufferDelay = d }
}

// WithHandleTimeout bounds the processing of one batch.
func WithHandleTimeout(d time.Duration) RouterOption {
	return func(o *RouterOpts) { o.HandleTimeout = d }
}

// Router fans in messages from every registered channel, de-duplicates and
// debounces them, runs them through the Handler and delivers the replies.
type Router struct {
	handler   Handler
	dedup     store.DedupRepo
	outbox    store.OutboxRepo
	timeout   time.Duration
	debouncer *Debouncer

	mu       sync.RWMutex
	services map[models.Channel]Service
	ctx      context.Context
	wg       sync.WaitGroup
}

// NewRouter creates a Router around handler.
func NewRouter(handler Handler, opts ...RouterOption) *Router {
	cfg := RouterOpts{BufferDelay: DefaultBufferDelay, HandleTimeout: DefaultHandleTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	r := &Router{
		handler:  handler,
		dedup:    cfg.Dedup,
		outbox:   cfg.Outbox,
		timeout:  cfg.HandleTimeout,
		services: make(map[models.Channel]Service),
		ctx:      context.Background(),
	}
	r.debouncer = NewDebouncer(cfg.BufferDelay, r.process)
	return r
}

// Register adds a channel. Replies to messages from that channel go back
// through it.
func (r *Router) Register(svc Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[svc.Channel()] = svc
	slog.Debug("Router.Register: channel registered", "channel", svc.Channel())
}

func (r *Router) service(ch models.Channel) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[ch]
	return svc, ok
}

// Start reads every registered channel until its inbound channel closes or
// ctx is cancelled.
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	services := make([]Service, 0, len(r.services))
	for _, svc := range r.services {
		services = append(services, svc)
	}
	r.mu.Unlock()

	for _, svc := range services {
		r.wg.Add(1)
		go func(svc Service) {
			defer r.wg.Done()
			r.consume(ctx, svc)
		}(svc)
	}
	slog.Info("Router.Start: consuming inbound messages", "channels", len(services))
}

// Wait blocks until every consumer started by Start has returned, then
// processes the batches still waiting out their quiet period.
func (r *Router) Wait() {
	r.wg.Wait()
	r.debouncer.Flush()
}

func (r *Router) consume(ctx context.Context, svc Service) {
	for {
		select {
		case msg, ok := <-svc.Inbound():
			if !ok {
				slog.Debug("Router.consume: inbound channel closed", "channel", svc.Channel())
				return
			}
			r.Accept(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// Accept records msg for de-duplication and buffers it. It reports whether
// the message was new.
func (r *Router) Accept(ctx context.Context, msg models.InboundMessage) bool {
	if r.dedup != nil && msg.MessageID != "" {
		fresh, err := r.dedup.RecordInbound(ctx, msg.MessageID, msg.CustomerID)
		if err != nil {
			// Unrecorded messages are still processed.
			slog.Warn("Router.Accept: dedup record failed", "messageID", msg.MessageID, "error", err)
		} else if !fresh {
			slog.Info("Router.Accept: duplicate message dropped", "messageID", msg.MessageID, "customerID", msg.CustomerID)
			return false
		}
	}
	r.debouncer.Add(msg)
	return true
}

// process runs one debounced batch to completion. An accepted batch is
// already marked seen, so shutdown must not cut it short.
func (r *Router) process(b Batch) {
	r.mu.RLock()
	base := r.ctx
	r.mu.RUnlock()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(base), r.timeout)
	defer cancel()

	msg := b.Message
	to := msg.ReplyAddress()
	svc, ok := r.service(msg.Channel)
	if !ok {
		slog.Error("Router.process: no service for channel", "channel", msg.Channel, "customerID", msg.CustomerID)
		return
	}
	defer r.markProcessed(ctx, b.MessageIDs)

	if esc, ok := svc.(Escalator); ok {
		active, err := esc.EscalationActive(ctx, to)
		if err != nil {
			slog.Warn("Router.process: escalation check failed", "customerID", msg.CustomerID, "error", err)
		}
		if active && isReportRelated(msg.Text) {
			slog.Info("Router.process: report pending with agent, intercepting", "customerID", msg.CustomerID)
			r.deliver(ctx, msg, flow.PendingReportReply, false)
			return
		}
	}

	reply, err := r.handler.HandleMessage(ctx, msg.CustomerID, msg.CustomerName, msg.Text)
	if err != nil {
		slog.Error("Router.process: handle failed", "customerID", msg.CustomerID, "error", err)
		if reply.Text == "" {
			return
		}
	}
	r.deliver(ctx, msg, reply.Text, reply.TicketCreated || reply.Handoff)
}

func (r *Router) markProcessed(ctx context.Context, ids []string) {
	if r.dedup == nil {
		return
	}
	for _, id := range ids {
		if err := r.dedup.MarkProcessed(ctx, id); err != nil {
			slog.Warn("Router.markProcessed failed", "messageID", id, "error", err)
		}
	}
}

// deliver queues the reply in the outbox, or sends it directly when there
// is no outbox or queueing fails.
func (r *Router) deliver(ctx context.Context, in models.InboundMessage, body string, escalate bool) {
	out := models.OutboundMessage{Channel: in.Channel, To: in.ReplyAddress(), Body: body, Escalate: escalate}
	if r.outbox != nil {
		payload, err := json.Marshal(out)
		if err == nil {
			dedupeKey := ""
			if in.MessageID != "" {
				dedupeKey = "reply:" + in.MessageID
			}
			id, qerr := r.outbox.EnqueueReply(ctx, store.OutboxEntry{
				CustomerID: in.CustomerID,
				Channel:    string(in.Channel),
				Payload:    string(payload),
				DedupeKey:  dedupeKey,
			})
			if qerr == nil {
				slog.Debug("Router.deliver: reply queued", "outboxID", id, "customerID", in.CustomerID)
				return
			}
			err = qerr
		}
		slog.Warn("Router.deliver: outbox unavailable, sending directly", "customerID", in.CustomerID, "error", err)
	}
	if err := r.Send(ctx, out); err != nil {
		slog.Error("Router.deliver: send failed", "customerID", in.CustomerID, "channel", in.Channel, "error", err)
	}
}

// Send delivers out on its channel and escalates the conversation if asked.
func (r *Router) Send(ctx context.Context, out models.OutboundMessage) error {
	svc, ok := r.service(out.Channel)
	if !ok {
		return fmt.Errorf("%w: %q", models.ErrUnknownChannel, out.Channel)
	}
	if err := svc.SendMessage(ctx, out.To, out.Body); err != nil {
		return err
	}
	if !out.Escalate {
		return nil
	}
	esc, ok := svc.(Escalator)
	if !ok {
		return nil
	}
	if err := esc.Escalate(ctx, out.To); err != nil {
		// The reply is out; retrying the whole message would send it twice.
		slog.Error("Router.Send: escalation failed", "customerID", out.To.CustomerID, "error", err)
	}
	return nil
}

// SendOutbox is the store.OutboxSendFunc for replies queued by the Router.
func (r *Router) SendOutbox(ctx context.Context, msg store.OutboxMessage) error {
	var out models.OutboundMessage
	if err := json.Unmarshal([]byte(msg.Payload), &out); err != nil {
		return fmt.Errorf("decode outbox payload %s: %w", msg.ID, err)
	}
	err := r.Send(ctx, out)
	if errors.Is(err, ErrServiceStopped) {
		slog.Warn("Router.SendOutbox: channel stopped, will retry", "id", msg.ID)
	}
	return err
}

// Pending returns the number of customers with buffered messages.
func (r *Router) Pending() int {
	return r.debouncer.Len()
}

func isReportRelated(text string) bool {
	if intent.HasFailureSignal(text) {
		return true
	}
	s := intent.Normalize(text)
	for _, topic := range reportTopics {
		if strings.Contains(s, topic) {
			return true
		}
	}
	return false
}
