package messaging

import (
	"sync"
	"testing"
	"time"

	"github.com/intynet/neti/internal/models"
)

type batchSink struct {
	mu      sync.Mutex
	batches []Batch
	got     chan struct{}
}

func newBatchSink() *batchSink {
	return &batchSink{got: make(chan struct{}, 16)}
}

func (s *batchSink) deliver(b Batch) {
	s.mu.Lock()
	s.batches = append(s.batches, b)
	s.mu.Unlock()
	s.got <- struct{}{}
}

func (s *batchSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
	}
}

func (s *batchSink) all() []Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Batch(nil), s.batches...)
}

func inbound(customerID, id, text string) models.InboundMessage {
	return models.InboundMessage{
		MessageID:  id,
		Channel:    models.ChannelRelay,
		CustomerID: customerID,
		RoomID:     "room-" + customerID,
		Text:       text,
	}
}

func TestDebouncerJoinsBubbles(t *testing.T) {
	sink := newBatchSink()
	d := NewDebouncer(50*time.Millisecond, sink.deliver)

	d.Add(inbound("628111", "m1", "internet"))
	d.Add(inbound("628111", "m2", "mati"))
	d.Add(inbound("628111", "m3", "dari pagi"))
	sink.wait(t)

	batches := sink.all()
	if len(batches) != 1 {
		t.Fatalf("expected one batch, got %d", len(batches))
	}
	if got := batches[0].Message.Text; got != "internet mati dari pagi" {
		t.Errorf("unexpected joined text %q", got)
	}
	if len(batches[0].MessageIDs) != 3 {
		t.Errorf("expected 3 message ids, got %v", batches[0].MessageIDs)
	}
	if d.Len() != 0 {
		t.Errorf("expected no pending batches, got %d", d.Len())
	}
}

func TestDebouncerSeparatesCustomers(t *testing.T) {
	sink := newBatchSink()
	d := NewDebouncer(30*time.Millisecond, sink.deliver)

	d.Add(inbound("628111", "a1", "halo"))
	d.Add(inbound("628222", "b1", "halo juga"))
	sink.wait(t)
	sink.wait(t)

	if got := len(sink.all()); got != 2 {
		t.Fatalf("expected two batches, got %d", got)
	}
}

func TestDebouncerZeroDelayDeliversInline(t *testing.T) {
	sink := newBatchSink()
	d := NewDebouncer(0, sink.deliver)
	d.Add(inbound("628111", "m1", "halo"))

	if got := len(sink.all()); got != 1 {
		t.Fatalf("expected inline delivery, got %d batches", got)
	}
}

func TestDebouncerFlushDeliversPending(t *testing.T) {
	sink := newBatchSink()
	d := NewDebouncer(time.Hour, sink.deliver)
	d.Add(inbound("628111", "m1", "internet"))
	d.Add(inbound("628111", "m2", "mati"))
	d.Add(inbound("628222", "b1", "halo"))

	if n := d.Flush(); n != 2 {
		t.Errorf("expected two flushed batches, got %d", n)
	}
	if d.Len() != 0 {
		t.Errorf("expected no pending batches, got %d", d.Len())
	}
	texts := map[string]bool{}
	for _, b := range sink.all() {
		texts[b.Message.Text] = true
	}
	if len(texts) != 2 || !texts["internet mati"] || !texts["halo"] {
		t.Errorf("unexpected flushed batches %+v", sink.all())
	}
	if n := d.Flush(); n != 0 {
		t.Errorf("second flush delivered %d batches", n)
	}
}

func TestBatchKeepsKnownName(t *testing.T) {
	first := inbound("628111", "m1", "halo")
	first.CustomerName = "Budi"
	b := newBatch(first)
	b.add(inbound("628111", "m2", "kak"))

	if b.Message.CustomerName != "Budi" {
		t.Errorf("expected name kept, got %q", b.Message.CustomerName)
	}
	if b.Message.MessageID != "m2" {
		t.Errorf("expected latest metadata, got %q", b.Message.MessageID)
	}
}
