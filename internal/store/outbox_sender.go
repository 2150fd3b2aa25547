package store

import (
	"context"
	"log/slog"
	"time"
)

// OutboxSendFunc delivers one queued reply text through the messaging transport.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

const (
	defaultOutboxPollInterval = 5 * time.Second
	defaultOutboxStaleAfter   = 5 * time.Minute
	defaultOutboxClaimLimit   = 20
	maxOutboxBackoff          = 30 * time.Minute
)

// OutboxSender claims due reply texts and sends them, one contact at a time in
// enqueue order. When a text fails, the rest of that contact's batch goes back
// to the queue untouched so nothing overtakes it.
type OutboxSender struct {
	repo         OutboxRepo
	send         OutboxSendFunc
	pollInterval time.Duration
	staleAfter   time.Duration
	claimLimit   int
	now          func() time.Time
}

// NewOutboxSender creates an OutboxSender polling every pollInterval.
func NewOutboxSender(repo OutboxRepo, send OutboxSendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = defaultOutboxPollInterval
	}
	return &OutboxSender{
		repo:         repo,
		send:         send,
		pollInterval: pollInterval,
		staleAfter:   defaultOutboxStaleAfter,
		claimLimit:   defaultOutboxClaimLimit,
		now:          time.Now,
	}
}

// RecoverStaleMessages requeues texts left in sending by a crashed process.
// Call once at startup, before Run.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	n, err := s.repo.RequeueStaleSendingMessages(ctx, s.now().UTC().Add(-s.staleAfter))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale texts", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: started", "pollInterval", s.pollInterval)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopped")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll claims and sends one batch.
func (s *OutboxSender) Poll(ctx context.Context) {
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, s.now(), s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.Poll: claim failed", "error", err)
		return
	}
	for _, batch := range byContact(msgs) {
		if ctx.Err() != nil {
			s.release(ctx, batch)
			continue
		}
		s.sendBatch(ctx, batch)
	}
}

func (s *OutboxSender) sendBatch(ctx context.Context, batch []OutboxMessage) {
	for i, msg := range batch {
		if ctx.Err() != nil {
			s.release(ctx, batch[i:])
			return
		}
		if err := s.send(ctx, msg); err != nil {
			attempts := msg.Attempts + 1
			giveUp := attempts >= MaxOutboxAttempts
			slog.Warn("OutboxSender.sendBatch: send failed", "id", msg.ID, "phone", msg.PhoneNumber, "attempt", attempts, "giveUp", giveUp, "error", err)
			next := s.now().UTC().Add(retryBackoff(msg.Attempts))
			if ferr := s.repo.FailOutboxMessage(context.WithoutCancel(ctx), msg.ID, err.Error(), next, giveUp); ferr != nil {
				slog.Error("OutboxSender.sendBatch: recording failure failed", "id", msg.ID, "error", ferr)
			}
			s.release(ctx, batch[i+1:])
			return
		}
		if err := s.repo.MarkOutboxMessageSent(context.WithoutCancel(ctx), msg.ID); err != nil {
			slog.Error("OutboxSender.sendBatch: mark sent failed", "id", msg.ID, "error", err)
		}
	}
}

func (s *OutboxSender) release(ctx context.Context, msgs []OutboxMessage) {
	if len(msgs) == 0 {
		return
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if err := s.repo.ReleaseOutboxMessages(context.WithoutCancel(ctx), ids); err != nil {
		slog.Error("OutboxSender.release: failed", "count", len(ids), "error", err)
	}
}

// byContact splits claimed texts into per-phone batches, keeping enqueue order
// within each batch and ordering batches by their first text.
func byContact(msgs []OutboxMessage) [][]OutboxMessage {
	index := make(map[string]int)
	var batches [][]OutboxMessage
	for _, m := range msgs {
		i, ok := index[m.PhoneNumber]
		if !ok {
			i = len(batches)
			index[m.PhoneNumber] = i
			batches = append(batches, nil)
		}
		batches[i] = append(batches[i], m)
	}
	return batches
}

// retryBackoff doubles from 10s and caps at 30 minutes.
func retryBackoff(attempts int) time.Duration {
	if attempts > 7 {
		return maxOutboxBackoff
	}
	backoff := time.Duration(10*(1<<attempts)) * time.Second
	if backoff > maxOutboxBackoff {
		return maxOutboxBackoff
	}
	return backoff
}
