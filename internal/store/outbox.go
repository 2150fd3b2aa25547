package store

import (
	"context"
	"time"
)

// OutboxStatus is the delivery state of a queued reply text.
type OutboxStatus string

const (
	OutboxStatusQueued  OutboxStatus = "queued"
	OutboxStatusSending OutboxStatus = "sending"
	OutboxStatusSent    OutboxStatus = "sent"
	// OutboxStatusFailed is final: the text was given up after MaxOutboxAttempts.
	OutboxStatusFailed OutboxStatus = "failed"
)

// MaxOutboxAttempts bounds how often one reply text is tried before it is dead-lettered.
const MaxOutboxAttempts = 8

// OutboxMessage is one text of an engine reply waiting to reach a contact.
// DeliveryID and ReplyIndex tie it to the inbound delivery that produced it.
type OutboxMessage struct {
	ID            string       `json:"id"`
	PhoneNumber   string       `json:"phone_number"`
	DeliveryID    string       `json:"delivery_id,omitempty"`
	ReplyIndex    int          `json:"reply_index"`
	Body          string       `json:"body"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at,omitempty"`
	ClaimedAt     *time.Time   `json:"claimed_at,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo persists reply texts so they survive a crash between the
// conversation save and the provider call.
//
// Texts for one phone number are claimed strictly in enqueue order: a text is
// not handed out while an earlier one for the same contact is being sent or is
// waiting out a retry backoff.
type OutboxRepo interface {
	// EnqueueReply queues the texts of one reply in a single transaction and
	// returns how many were new. Texts are keyed by (deliveryID, index), so
	// enqueueing the reply of a retried delivery again is a no-op.
	EnqueueReply(ctx context.Context, phoneNumber, deliveryID string, bodies []string) (int, error)

	// ClaimDueOutboxMessages marks up to limit deliverable texts as sending and
	// returns them in enqueue order.
	ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)

	// MarkOutboxMessageSent records a successful send.
	MarkOutboxMessageSent(ctx context.Context, id string) error

	// FailOutboxMessage records a failed send. The text is queued again at
	// nextAttemptAt, or marked failed once giveUp is set.
	FailOutboxMessage(ctx context.Context, id, errMsg string, nextAttemptAt time.Time, giveUp bool) error

	// ReleaseOutboxMessages returns claimed texts to the queue without counting an attempt.
	ReleaseOutboxMessages(ctx context.Context, ids []string) error

	// RequeueStaleSendingMessages resets texts claimed before staleBefore
	// back to queued (crash recovery).
	RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error)
}
