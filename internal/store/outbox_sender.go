package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Outbox sender defaults.
const (
	DefaultOutboxPollInterval = 2 * time.Second
	DefaultOutboxMaxAttempts  = 8
	DefaultOutboxStaleAfter   = 5 * time.Minute
	// MaxOutboxBackoff caps the delay between delivery attempts of one reply.
	MaxOutboxBackoff = 5 * time.Minute

	outboxInitialBackoff = 10 * time.Second
	outboxClaimLimit     = 20
)

// OutboxSendFunc delivers one queued reply. A non-nil error schedules a retry.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender periodically claims due replies and hands them to send.
type OutboxSender struct {
	repo         OutboxRepo
	send         OutboxSendFunc
	pollInterval time.Duration
	staleAfter   time.Duration
	maxAttempts  int
	now          func() time.Time
}

// SenderOption configures an OutboxSender.
type SenderOption func(*OutboxSender)

// WithMaxAttempts sets how many failed deliveries abandon a reply.
func WithMaxAttempts(n int) SenderOption {
	return func(s *OutboxSender) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithStaleAfter sets how long a reply may stay claimed before
// RecoverStaleMessages puts it back in the queue.
func WithStaleAfter(d time.Duration) SenderOption {
	return func(s *OutboxSender) { s.staleAfter = d }
}

// NewOutboxSender creates a sender polling repo every pollInterval.
func NewOutboxSender(repo OutboxRepo, send OutboxSendFunc, pollInterval time.Duration, opts ...SenderOption) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = DefaultOutboxPollInterval
	}
	s := &OutboxSender{
		repo:         repo,
		send:         send,
		pollInterval: pollInterval,
		staleAfter:   DefaultOutboxStaleAfter,
		maxAttempts:  DefaultOutboxMaxAttempts,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecoverStaleMessages requeues replies left in sending by a crash.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	n, err := s.repo.RequeueStaleReplies(ctx, s.now().Add(-s.staleAfter))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale replies", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting", "pollInterval", s.pollInterval, "maxAttempts", s.maxAttempts)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *OutboxSender) poll(ctx context.Context) {
	now := s.now()
	msgs, err := s.repo.ClaimDueReplies(ctx, now, outboxClaimLimit)
	if err != nil {
		slog.Error("OutboxSender.poll: claim failed", "error", err)
		return
	}
	for _, msg := range msgs {
		if ctx.Err() != nil {
			// Left in sending; RecoverStaleMessages picks them up after a restart.
			return
		}
		s.deliver(ctx, msg, now)
	}
}

func (s *OutboxSender) deliver(ctx context.Context, msg OutboxMessage, now time.Time) {
	err := s.send(ctx, msg)
	if err == nil {
		if err := s.repo.MarkReplySent(ctx, msg.ID); err != nil {
			slog.Error("OutboxSender.deliver: mark sent failed", "id", msg.ID, "error", err)
		}
		slog.Debug("OutboxSender.deliver: reply sent", "id", msg.ID, "customerID", msg.CustomerID, "channel", msg.Channel)
		return
	}

	if msg.Attempts+1 >= s.maxAttempts {
		slog.Error("OutboxSender.deliver: giving up on reply", "id", msg.ID, "customerID", msg.CustomerID, "attempts", msg.Attempts+1, "error", err)
		if aerr := s.repo.AbandonReply(ctx, msg.ID, err.Error()); aerr != nil {
			slog.Error("OutboxSender.deliver: abandon failed", "id", msg.ID, "error", aerr)
		}
		return
	}

	delay := retryDelay(msg.Attempts)
	slog.Warn("OutboxSender.deliver: send failed, will retry", "id", msg.ID, "customerID", msg.CustomerID, "attempt", msg.Attempts+1, "retryIn", delay, "error", err)
	if rerr := s.repo.RetryReply(ctx, msg.ID, err.Error(), now.Add(delay)); rerr != nil {
		slog.Error("OutboxSender.deliver: schedule retry failed", "id", msg.ID, "error", rerr)
	}
}

// retryDelay is the wait after the given number of previous failures:
// 10s doubling per attempt, capped at MaxOutboxBackoff.
func retryDelay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     outboxInitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         MaxOutboxBackoff,
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 0; i < attempts && d < MaxOutboxBackoff; i++ {
		d = b.NextBackOff()
	}
	return d
}
