package messaging

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/intynet/neti/internal/models"
)

// DefaultBufferDelay is how long the debouncer waits for further message
// bubbles from the same customer before handing them on.
const DefaultBufferDelay = 3 * time.Second

// Batch is one or more consecutive messages of a customer joined into one.
type Batch struct {
	// Message carries the metadata of the latest message and the joined text.
	Message    models.InboundMessage
	MessageIDs []string
}

func newBatch(msg models.InboundMessage) Batch {
	b := Batch{Message: msg}
	if msg.MessageID != "" {
		b.MessageIDs = []string{msg.MessageID}
	}
	return b
}

func (b *Batch) add(msg models.InboundMessage) {
	text := strings.TrimSpace(b.Message.Text + " " + msg.Text)
	if msg.CustomerName == "" {
		msg.CustomerName = b.Message.CustomerName
	}
	b.Message = msg
	b.Message.Text = text
	if msg.MessageID != "" {
		b.MessageIDs = append(b.MessageIDs, msg.MessageID)
	}
}

type pendingBatch struct {
	batch Batch
	timer *time.Timer
}

// Debouncer collects messages per customer and delivers them as one Batch
// once the customer has been quiet for the configured delay.
type Debouncer struct {
	delay   time.Duration
	deliver func(Batch)
	mu      sync.Mutex
	pending map[string]*pendingBatch
}

// NewDebouncer creates a Debouncer. A non-positive delay delivers every
// message immediately on the caller's goroutine.
func NewDebouncer(delay time.Duration, deliver func(Batch)) *Debouncer {
	return &Debouncer{
		delay:   delay,
		deliver: deliver,
		pending: make(map[string]*pendingBatch),
	}
}

func batchKey(msg models.InboundMessage) string {
	return string(msg.Channel) + ":" + msg.CustomerID
}

// Add buffers msg and restarts the customer's quiet period.
func (d *Debouncer) Add(msg models.InboundMessage) {
	if d.delay <= 0 {
		d.deliver(newBatch(msg))
		return
	}
	key := batchKey(msg)

	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[key]
	if ok {
		p.timer.Stop()
		p.batch.add(msg)
		slog.Debug("Debouncer.Add: appended to pending batch", "key", key, "messages", len(p.batch.MessageIDs))
	} else {
		p = &pendingBatch{batch: newBatch(msg)}
		d.pending[key] = p
	}
	p.timer = time.AfterFunc(d.delay, func() { d.fire(key, p) })
}

// fire delivers p unless a newer timer already delivered it.
func (d *Debouncer) fire(key string, p *pendingBatch) {
	d.mu.Lock()
	if d.pending[key] != p {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()
	d.deliver(p.batch)
}

// Len returns the number of customers with buffered messages.
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Flush cancels every pending timer and delivers the buffered batches on
// the caller's goroutine. It returns how many batches were delivered.
func (d *Debouncer) Flush() int {
	d.mu.Lock()
	batches := make([]Batch, 0, len(d.pending))
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
		batches = append(batches, p.batch)
	}
	d.mu.Unlock()

	if len(batches) > 0 {
		slog.Info("Debouncer.Flush: delivering pending batches", "count", len(batches))
	}
	for _, b := range batches {
		d.deliver(b)
	}
	return len(batches)
}
