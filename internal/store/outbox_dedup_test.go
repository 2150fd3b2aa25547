package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func outboxRow(t *testing.T, s *SQLiteStore, id string) (OutboxStatus, int) {
	t.Helper()
	var status OutboxStatus
	var attempts int
	if err := s.db.QueryRow(`SELECT status, attempts FROM outbox_messages WHERE id = ?`, id).Scan(&status, &attempts); err != nil {
		t.Fatalf("read outbox row %s: %v", id, err)
	}
	return status, attempts
}

func bodiesOf(msgs []OutboxMessage) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Body
	}
	return strings.Join(parts, "|")
}

func TestEnqueueReplyIsIdempotentPerDelivery(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	n, err := s.EnqueueReply(ctx, "+971501234567", "SM1", []string{"Got it!", "2/3 What is your monthly income?"})
	if err != nil || n != 2 {
		t.Fatalf("first EnqueueReply = %d, %v; want 2, nil", n, err)
	}
	n, err = s.EnqueueReply(ctx, "+971501234567", "SM1", []string{"Got it!", "2/3 What is your monthly income?"})
	if err != nil || n != 0 {
		t.Fatalf("replayed EnqueueReply = %d, %v; want 0, nil", n, err)
	}

	// Without a delivery id there is nothing to key on, so every call queues.
	for i := 0; i < 2; i++ {
		if n, err := s.EnqueueReply(ctx, "+971501234567", "", []string{"Hi!"}); err != nil || n != 1 {
			t.Fatalf("EnqueueReply without delivery = %d, %v", n, err)
		}
	}

	msgs, err := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if got := bodiesOf(msgs); got != "Got it!|2/3 What is your monthly income?|Hi!|Hi!" {
		t.Errorf("unexpected claim order %q", got)
	}
	if msgs[0].DeliveryID != "SM1" || msgs[1].ReplyIndex != 1 || msgs[2].DeliveryID != "" {
		t.Errorf("delivery keys not round-tripped: %+v", msgs[:3])
	}
	for _, m := range msgs {
		if m.Status != OutboxStatusSending || m.ClaimedAt == nil {
			t.Errorf("claimed text %s not marked sending: %+v", m.ID, m)
		}
	}

	again, err := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if err != nil || len(again) != 0 {
		t.Errorf("claimed texts must not be handed out twice, got %d (%v)", len(again), err)
	}
}

func TestClaimHoldsBackLaterTextsForTheSameContact(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.EnqueueReply(ctx, "+971501111111", "SMa", []string{"a1", "a2"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnqueueReply(ctx, "+971502222222", "SMb", []string{"b1"}); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.ClaimDueOutboxMessages(ctx, now, 10)
	if err != nil || bodiesOf(msgs) != "a1|a2|b1" {
		t.Fatalf("first claim = %q, %v", bodiesOf(msgs), err)
	}
	a1, a2, b1 := msgs[0], msgs[1], msgs[2]

	if err := s.FailOutboxMessage(ctx, a1.ID, "provider timeout", now.Add(time.Minute), false); err != nil {
		t.Fatalf("FailOutboxMessage failed: %v", err)
	}
	if err := s.ReleaseOutboxMessages(ctx, []string{a2.ID}); err != nil {
		t.Fatalf("ReleaseOutboxMessages failed: %v", err)
	}
	if err := s.MarkOutboxMessageSent(ctx, b1.ID); err != nil {
		t.Fatalf("MarkOutboxMessageSent failed: %v", err)
	}

	if _, attempts := outboxRow(t, s, a2.ID); attempts != 0 {
		t.Errorf("release must not count an attempt, got %d", attempts)
	}

	held, err := s.ClaimDueOutboxMessages(ctx, now.Add(time.Second), 10)
	if err != nil || len(held) != 0 {
		t.Fatalf("a2 must wait for a1's retry, claimed %q (%v)", bodiesOf(held), err)
	}

	later, err := s.ClaimDueOutboxMessages(ctx, now.Add(2*time.Minute), 10)
	if err != nil || bodiesOf(later) != "a1|a2" {
		t.Fatalf("retry claim = %q, %v", bodiesOf(later), err)
	}
	if later[0].Attempts != 1 || later[0].LastError != "provider timeout" {
		t.Errorf("failure not recorded: %+v", later[0])
	}
}

func TestGivingUpUnblocksTheQueue(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.EnqueueReply(ctx, "+971501234567", "SM1", []string{"first", "second"}); err != nil {
		t.Fatal(err)
	}
	msgs, err := s.ClaimDueOutboxMessages(ctx, now, 1)
	if err != nil || bodiesOf(msgs) != "first" {
		t.Fatalf("claim = %q, %v", bodiesOf(msgs), err)
	}
	if err := s.FailOutboxMessage(ctx, msgs[0].ID, "number not on WhatsApp", now.Add(time.Hour), true); err != nil {
		t.Fatal(err)
	}
	if status, attempts := outboxRow(t, s, msgs[0].ID); status != OutboxStatusFailed || attempts != 1 {
		t.Errorf("expected failed/1, got %s/%d", status, attempts)
	}

	next, err := s.ClaimDueOutboxMessages(ctx, now, 10)
	if err != nil || bodiesOf(next) != "second" {
		t.Errorf("dead-lettered text must not block the contact, claimed %q (%v)", bodiesOf(next), err)
	}
}

func TestRequeueStaleSendingMessages(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, err := s.EnqueueReply(ctx, "+971501234567", "SM1", []string{"hello"}); err != nil {
		t.Fatal(err)
	}
	claimedAt := time.Now().UTC().Add(-10 * time.Minute)
	if _, err := s.ClaimDueOutboxMessages(ctx, claimedAt, 10); err != nil {
		t.Fatal(err)
	}

	n, err := s.RequeueStaleSendingMessages(ctx, time.Now().Add(-5*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("RequeueStaleSendingMessages = %d, %v; want 1", n, err)
	}
	msgs, err := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if err != nil || len(msgs) != 1 || msgs[0].Attempts != 0 {
		t.Errorf("requeued text should be claimable without a counted attempt: %+v (%v)", msgs, err)
	}
}

func TestDedupLedger(t *testing.T) {
	stores := map[string]DedupRepo{
		"memory": NewInMemoryStore(),
		"sqlite": newTestSQLiteStore(t),
	}
	for name, repo := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			dup, err := repo.IsDuplicate(ctx, "SM1")
			if err != nil || dup {
				t.Fatalf("IsDuplicate before record = %v, %v", dup, err)
			}
			fresh, err := repo.RecordInbound(ctx, "SM1", "+971501234567")
			if err != nil || !fresh {
				t.Fatalf("first RecordInbound = %v, %v", fresh, err)
			}
			fresh, err = repo.RecordInbound(ctx, "SM1", "+971501234567")
			if err != nil || fresh {
				t.Fatalf("second RecordInbound = %v, %v", fresh, err)
			}
			if dup, _ := repo.IsDuplicate(ctx, "SM1"); !dup {
				t.Error("SM1 should be a duplicate after recording")
			}
			if _, err := repo.RecordInbound(ctx, "SM2", "+971509876543"); err != nil {
				t.Fatal(err)
			}

			if err := repo.MarkProcessed(ctx, "SM1"); err != nil {
				t.Fatalf("MarkProcessed failed: %v", err)
			}
			pending, err := repo.UnprocessedInbound(ctx, time.Now().Add(time.Minute))
			if err != nil {
				t.Fatalf("UnprocessedInbound failed: %v", err)
			}
			if len(pending) != 1 || pending[0].MessageID != "SM2" || pending[0].PhoneNumber != "+971509876543" {
				t.Errorf("expected only SM2 pending, got %+v", pending)
			}
			if none, _ := repo.UnprocessedInbound(ctx, time.Now().Add(-time.Hour)); len(none) != 0 {
				t.Errorf("olderThan filter ignored: %+v", none)
			}
		})
	}
}

func TestInMemoryDedupUnavailable(t *testing.T) {
	s := NewInMemoryStore()
	s.SetFailure(errors.New("disk full"))
	if _, err := s.RecordInbound(context.Background(), "SM1", "+971501234567"); !IsRetryable(err) {
		t.Errorf("expected a retryable error, got %v", err)
	}
}

func TestOutboxSenderSendsEachContactInOrder(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	for _, r := range []struct{ phone, delivery string }{{"+971501111111", "SMa"}, {"+971502222222", "SMb"}} {
		if _, err := s.EnqueueReply(ctx, r.phone, r.delivery, []string{r.delivery + "-1", r.delivery + "-2"}); err != nil {
			t.Fatal(err)
		}
	}

	var sent []string
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		sent = append(sent, msg.Body)
		return nil
	}, time.Second)
	sender.Poll(ctx)

	if got := strings.Join(sent, "|"); got != "SMa-1|SMa-2|SMb-1|SMb-2" {
		t.Errorf("unexpected send order %q", got)
	}
	if left, _ := s.ClaimDueOutboxMessages(ctx, time.Now().Add(time.Hour), 10); len(left) != 0 {
		t.Errorf("sent texts must not be claimable again: %q", bodiesOf(left))
	}
}

func TestOutboxSenderFailureReleasesRestOfBatch(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	if _, err := s.EnqueueReply(ctx, "+971501234567", "SM1", []string{"one", "two"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnqueueReply(ctx, "+971509876543", "SM2", []string{"other"}); err != nil {
		t.Fatal(err)
	}

	clock := time.Now().UTC()
	failing := true
	var sent []string
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		if msg.Body == "one" && failing {
			return errors.New("provider 503")
		}
		sent = append(sent, msg.Body)
		return nil
	}, time.Second)
	sender.now = func() time.Time { return clock }

	sender.Poll(ctx)
	if got := strings.Join(sent, "|"); got != "other" {
		t.Fatalf("only the other contact should be served, sent %q", got)
	}

	// Still inside the backoff window.
	clock = clock.Add(5 * time.Second)
	sender.Poll(ctx)
	if len(sent) != 1 {
		t.Fatalf("nothing should be sent during backoff, sent %q", strings.Join(sent, "|"))
	}

	failing = false
	clock = clock.Add(retryBackoff(0))
	sender.Poll(ctx)
	if got := strings.Join(sent, "|"); got != "other|one|two" {
		t.Errorf("retry should resume in order, sent %q", got)
	}
}

func TestOutboxSenderGivesUpAfterMaxAttempts(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	if _, err := s.EnqueueReply(ctx, "+971501234567", "SM1", []string{"doomed"}); err != nil {
		t.Fatal(err)
	}

	clock := time.Now().UTC()
	calls := 0
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		calls++
		return errors.New("recipient blocked")
	}, time.Second)
	sender.now = func() time.Time { return clock }

	for i := 0; i < MaxOutboxAttempts+2; i++ {
		sender.Poll(ctx)
		clock = clock.Add(maxOutboxBackoff + time.Second)
	}
	if calls != MaxOutboxAttempts {
		t.Errorf("expected %d attempts, got %d", MaxOutboxAttempts, calls)
	}
	var status OutboxStatus
	if err := s.db.QueryRow(`SELECT status FROM outbox_messages`).Scan(&status); err != nil {
		t.Fatal(err)
	}
	if status != OutboxStatusFailed {
		t.Errorf("expected failed, got %s", status)
	}
}

func TestOutboxSenderCancelledReleasesClaims(t *testing.T) {
	s := newTestSQLiteStore(t)
	if _, err := s.EnqueueReply(context.Background(), "+971501234567", "SM1", []string{"one"}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		t.Error("nothing should be sent after cancellation")
		return nil
	}, time.Second)

	msgs, err := s.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("claim = %d, %v", len(msgs), err)
	}
	cancel()
	sender.sendBatch(ctx, msgs)

	if status, attempts := outboxRow(t, s, msgs[0].ID); status != OutboxStatusQueued || attempts != 0 {
		t.Errorf("expected queued/0 after cancellation, got %s/%d", status, attempts)
	}
}

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{3, 80 * time.Second},
		{7, 1280 * time.Second},
		{8, 30 * time.Minute},
		{20, 30 * time.Minute},
	}
	for _, tt := range tests {
		if got := retryBackoff(tt.attempts); got != tt.want {
			t.Errorf("retryBackoff(%d) = %s, want %s", tt.attempts, got, tt.want)
		}
	}
}
