package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/intynet/neti/internal/flow"
	"github.com/intynet/neti/internal/models"
	"github.com/intynet/neti/internal/store"
)

type sentMessage struct {
	To   models.Address
	Body string
}

// fakeService is an escalating channel backed by an inbox.
type fakeService struct {
	*inbox

	mu        sync.Mutex
	sent      []sentMessage
	escalated []models.Address
	active    bool
	sendErr   error
}

func newFakeService() *fakeService {
	return &fakeService{inbox: newInbox("fakeService")}
}

func (f *fakeService) Channel() models.Channel { return models.ChannelRelay }
func (f *fakeService) Start(ctx context.Context) error { return nil }
func (f *fakeService) Stop() error {
	f.inbox.close()
	return nil
}

func (f *fakeService) SendMessage(ctx context.Context, to models.Address, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{To: to, Body: body})
	return nil
}

func (f *fakeService) Escalate(ctx context.Context, to models.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalated = append(f.escalated, to)
	return nil
}

func (f *fakeService) EscalationActive(ctx context.Context, to models.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

func (f *fakeService) sentCopy() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type stubHandler struct {
	mu    sync.Mutex
	texts []string
	reply flow.Reply
	err   error
}

func (h *stubHandler) HandleMessage(ctx context.Context, customerID, customerName, text string) (flow.Reply, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.texts = append(h.texts, text)
	return h.reply, h.err
}

func (h *stubHandler) calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.texts...)
}

func newTestRouter(h Handler, opts ...RouterOption) (*Router, *fakeService) {
	r := NewRouter(h, append([]RouterOption{WithBufferDelay(0)}, opts...)...)
	svc := newFakeService()
	r.Register(svc)
	return r, svc
}

func TestRouterRepliesOnSameChannel(t *testing.T) {
	h := &stubHandler{reply: flow.Reply{Text: "Halo kak!"}}
	r, svc := newTestRouter(h)

	if !r.Accept(context.Background(), inbound("628111", "m1", "halo")) {
		t.Fatal("expected message accepted")
	}
	sent := svc.sentCopy()
	if len(sent) != 1 || sent[0].Body != "Halo kak!" || sent[0].To.RoomID != "room-628111" {
		t.Fatalf("unexpected sent messages %+v", sent)
	}
	if len(svc.escalated) != 0 {
		t.Error("plain reply must not escalate")
	}
}

func TestRouterDropsDuplicates(t *testing.T) {
	st := store.NewInMemoryStore()
	h := &stubHandler{reply: flow.Reply{Text: "ok"}}
	r, _ := newTestRouter(h, WithDedup(st))

	ctx := context.Background()
	r.Accept(ctx, inbound("628111", "m1", "halo"))
	if r.Accept(ctx, inbound("628111", "m1", "halo")) {
		t.Error("expected duplicate rejected")
	}
	if got := len(h.calls()); got != 1 {
		t.Errorf("expected one handled message, got %d", got)
	}
}

func TestRouterEscalatesAfterTicket(t *testing.T) {
	h := &stubHandler{reply: flow.Reply{Text: "Laporan dibuat", TicketCreated: true, TicketID: "RPT-1"}}
	r, svc := newTestRouter(h)

	r.Accept(context.Background(), inbound("628111", "m1", "ya benar"))
	if len(svc.sentCopy()) != 1 {
		t.Fatal("expected reply sent")
	}
	if len(svc.escalated) != 1 || svc.escalated[0].RoomID != "room-628111" {
		t.Errorf("expected room escalated, got %+v", svc.escalated)
	}
}

func TestRouterInterceptsComplaintsWhileEscalated(t *testing.T) {
	h := &stubHandler{reply: flow.Reply{Text: "dari bot"}}
	r, svc := newTestRouter(h)
	svc.active = true

	ctx := context.Background()
	r.Accept(ctx, inbound("628111", "m1", "internet masih mati kak"))
	if got := len(h.calls()); got != 0 {
		t.Fatalf("complaint must not reach the bot, got %d calls", got)
	}
	sent := svc.sentCopy()
	if len(sent) != 1 || sent[0].Body != flow.PendingReportReply {
		t.Fatalf("expected pending report reply, got %+v", sent)
	}

	r.Accept(ctx, inbound("628111", "m2", "jam buka kantor kapan?"))
	if got := len(h.calls()); got != 1 {
		t.Errorf("unrelated question should reach the bot, got %d calls", got)
	}
}

func TestRouterSendsGenericReplyOnError(t *testing.T) {
	h := &stubHandler{reply: flow.Reply{Text: flow.GenericFailureReply}, err: errors.New("store down")}
	r, svc := newTestRouter(h)

	r.Accept(context.Background(), inbound("628111", "m1", "halo"))
	sent := svc.sentCopy()
	if len(sent) != 1 || sent[0].Body != flow.GenericFailureReply {
		t.Errorf("expected generic failure reply, got %+v", sent)
	}
}

func TestRouterQueuesToOutbox(t *testing.T) {
	st := store.NewInMemoryStore()
	h := &stubHandler{reply: flow.Reply{Text: "Halo kak!", Handoff: true}}
	r, svc := newTestRouter(h, WithOutbox(st))

	r.Accept(context.Background(), inbound("628111", "m1", "halo"))
	if len(svc.sentCopy()) != 0 {
		t.Fatal("outbox mode must not send inline")
	}

	due, err := st.ClaimDueReplies(context.Background(), time.Now(), 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected one queued reply, got %d (%v)", len(due), err)
	}
	var out models.OutboundMessage
	if err := json.Unmarshal([]byte(due[0].Payload), &out); err != nil {
		t.Fatal(err)
	}
	if !out.Escalate || out.To.RoomID != "room-628111" {
		t.Errorf("unexpected payload %+v", out)
	}

	if err := r.SendOutbox(context.Background(), due[0]); err != nil {
		t.Fatalf("SendOutbox: %v", err)
	}
	if len(svc.sentCopy()) != 1 || len(svc.escalated) != 1 {
		t.Errorf("expected reply sent and room escalated")
	}
}

func TestRouterSendOutboxErrors(t *testing.T) {
	r, svc := newTestRouter(&stubHandler{})

	bad := store.OutboxMessage{ID: "x", Payload: "{"}
	if err := r.SendOutbox(context.Background(), bad); err == nil {
		t.Error("expected decode error")
	}

	unknown, _ := json.Marshal(models.OutboundMessage{Channel: models.ChannelTwilio, Body: "x"})
	err := r.SendOutbox(context.Background(), store.OutboxMessage{ID: "y", Payload: string(unknown)})
	if !errors.Is(err, models.ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}

	svc.sendErr = errors.New("relay down")
	ok, _ := json.Marshal(models.OutboundMessage{Channel: models.ChannelRelay, Body: "x", To: models.Address{CustomerID: "628111", RoomID: "r"}})
	if err := r.SendOutbox(context.Background(), store.OutboxMessage{ID: "z", Payload: string(ok)}); err == nil {
		t.Error("expected send error to propagate for retry")
	}
}

func TestRouterConsumesInbound(t *testing.T) {
	h := &stubHandler{reply: flow.Reply{Text: "ok"}}
	r, svc := newTestRouter(h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	if !svc.emit(inbound("628111", "m1", "halo")) {
		t.Fatal("emit failed")
	}
	_ = svc.Stop()
	r.Wait()

	if got := len(h.calls()); got != 1 {
		t.Errorf("expected one handled message, got %d", got)
	}
}

func TestRouterProcessesBufferedMessagesOnShutdown(t *testing.T) {
	st := store.NewInMemoryStore()
	h := &stubHandler{reply: flow.Reply{Text: "Halo kak!"}}
	r := NewRouter(h, WithBufferDelay(time.Hour), WithDedup(st), WithOutbox(st))
	svc := newFakeService()
	r.Register(svc)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	if !svc.emit(inbound("628111", "m1", "internet mati")) {
		t.Fatal("emit failed")
	}
	deadline := time.Now().Add(2 * time.Second)
	for r.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("message never buffered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	_ = svc.Stop()
	r.Wait()

	if got := h.calls(); len(got) != 1 || got[0] != "internet mati" {
		t.Fatalf("expected buffered message handled at shutdown, got %v", got)
	}
	if r.Pending() != 0 {
		t.Errorf("expected nothing pending, got %d", r.Pending())
	}
	due, err := st.ClaimDueReplies(context.Background(), time.Now(), 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected reply queued for next start, got %d (%v)", len(due), err)
	}
	if r.Accept(context.Background(), inbound("628111", "m1", "internet mati")) {
		t.Error("redelivered message must stay a duplicate once handled")
	}
}

func TestIsReportRelated(t *testing.T) {
	tests := map[string]bool{
		"internet masih mati":        true,
		"gimana laporan saya kak":    true,
		"wifi lemot":                 true,
		"jam buka kantor kapan?":     false,
		"mau tanya harga paket baru": false,
	}
	for text, want := range tests {
		if got := isReportRelated(text); got != want {
			t.Errorf("isReportRelated(%q) = %v, want %v", text, got, want)
		}
	}
}
