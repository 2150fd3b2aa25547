package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/LeadPipe/internal/store"
)

// Dispatcher delivers outbound texts for one contact in order. With an outbox it
// enqueues durably and the OutboxSender performs the sends; without one it sends
// directly through the messaging service.
type Dispatcher struct {
	svc    Service
	outbox store.OutboxRepo
}

// NewDispatcher creates a Dispatcher. outbox may be nil.
func NewDispatcher(svc Service, outbox store.OutboxRepo) *Dispatcher {
	return &Dispatcher{svc: svc, outbox: outbox}
}

// Durable reports whether replies go through the outbox.
func (d *Dispatcher) Durable() bool {
	return d.outbox != nil
}

// Dispatch delivers messages to phoneNumber. deliveryID, when set, makes the outbox
// enqueue idempotent so a replayed delivery cannot queue its replies twice.
func (d *Dispatcher) Dispatch(ctx context.Context, phoneNumber, deliveryID string, messages []string) error {
	if len(messages) == 0 {
		return nil
	}
	if d.outbox != nil {
		return d.enqueue(ctx, phoneNumber, deliveryID, messages)
	}

	for i, body := range messages {
		if err := d.svc.SendMessage(ctx, phoneNumber, body); err != nil {
			// Nothing after a failed send goes out, so the contact never sees replies out of order.
			slog.Error("Dispatcher.Dispatch: send failed", "phone", phoneNumber, "index", i, "remaining", len(messages)-i, "error", err)
			return fmt.Errorf("send reply %d of %d: %w", i+1, len(messages), err)
		}
	}
	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, phoneNumber, deliveryID string, messages []string) error {
	n, err := d.outbox.EnqueueReply(ctx, phoneNumber, deliveryID, messages)
	if err != nil {
		return fmt.Errorf("enqueue reply: %w", err)
	}
	slog.Debug("Dispatcher.enqueue: queued", "phone", phoneNumber, "delivery", deliveryID, "new", n, "texts", len(messages))
	return nil
}

// SendOutboxMessage is the store.OutboxSendFunc that delivers queued texts.
func (d *Dispatcher) SendOutboxMessage(ctx context.Context, msg store.OutboxMessage) error {
	return d.svc.SendMessage(ctx, msg.PhoneNumber, msg.Body)
}
