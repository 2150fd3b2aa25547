package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// InboundProcessor applies an inbound message to the contact's conversation.
// Implemented by *engine.Engine.
type InboundProcessor interface {
	HandleInbound(ctx context.Context, in models.Inbound) (models.Reply, error)
	FallbackMessage(ctx context.Context) string
}

// ResponseHandler routes incoming contact messages from a Service to the dialogue
// engine and dispatches the replies.
type ResponseHandler struct {
	engine     InboundProcessor
	msgService Service
	dispatcher *Dispatcher
	dedup      store.DedupRepo
}

// NewResponseHandler creates a ResponseHandler. dedup may be nil.
func NewResponseHandler(engine InboundProcessor, msgService Service, dispatcher *Dispatcher, dedup store.DedupRepo) *ResponseHandler {
	if dispatcher == nil {
		dispatcher = NewDispatcher(msgService, nil)
	}
	return &ResponseHandler{
		engine:     engine,
		msgService: msgService,
		dispatcher: dispatcher,
		dedup:      dedup,
	}
}

// ProcessResponse runs one inbound message through the engine and delivers the reply.
// Replayed deliveries are not sent again unless replies go through the outbox, where
// re-enqueueing is idempotent. Internal failures get the generic fallback reply.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	canonicalFrom, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Warn("ResponseHandler.ProcessResponse: invalid sender", "error", err)
		return fmt.Errorf("invalid sender: %w", err)
	}
	slog.Debug("ResponseHandler.ProcessResponse: processing", "phone", canonicalFrom, "body_length", len(response.Body))

	if rh.dedup != nil && response.MessageID != "" {
		if _, err := rh.dedup.RecordInbound(ctx, response.MessageID, canonicalFrom); err != nil {
			slog.Warn("ResponseHandler.ProcessResponse: dedup ledger unavailable", "error", err)
		}
	}

	reply, err := rh.engine.HandleInbound(ctx, models.Inbound{
		PhoneNumber: canonicalFrom,
		Text:        response.Body,
		DeliveryID:  response.MessageID,
		ProfileName: response.ProfileName,
	})
	if err != nil {
		slog.Error("ResponseHandler.ProcessResponse: engine failed", "phone", canonicalFrom, "error", err)
		if sendErr := rh.msgService.SendMessage(ctx, canonicalFrom, rh.engine.FallbackMessage(ctx)); sendErr != nil {
			slog.Error("ResponseHandler.ProcessResponse: failed to send fallback", "phone", canonicalFrom, "error", sendErr)
		}
		return fmt.Errorf("handle inbound: %w", err)
	}

	if reply.Replayed && !rh.dispatcher.Durable() {
		slog.Info("ResponseHandler.ProcessResponse: replayed delivery, not resending", "phone", canonicalFrom, "delivery", response.MessageID)
	} else if err := rh.dispatcher.Dispatch(ctx, canonicalFrom, response.MessageID, reply.Messages); err != nil {
		return fmt.Errorf("dispatch reply: %w", err)
	}

	if rh.dedup != nil && response.MessageID != "" {
		if err := rh.dedup.MarkProcessed(ctx, response.MessageID); err != nil {
			slog.Warn("ResponseHandler.ProcessResponse: mark processed failed", "error", err)
		}
	}
	slog.Info("ResponseHandler.ProcessResponse: handled", "phone", canonicalFrom, "state", reply.State, "status", reply.Status, "replies", len(reply.Messages))
	return nil
}

// Start begins processing responses from the messaging service. Receipts are
// drained and logged so the service never blocks on them.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")

	go func() {
		defer slog.Info("ResponseHandler stopped response processing")
		responses := rh.msgService.Responses()
		receipts := rh.msgService.Receipts()
		for responses != nil || receipts != nil {
			select {
			case response, ok := <-responses:
				if !ok {
					responses = nil
					continue
				}
				if err := rh.ProcessResponse(ctx, response); err != nil {
					slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
				}
			case receipt, ok := <-receipts:
				if !ok {
					receipts = nil
					continue
				}
				slog.Debug("ResponseHandler receipt", "to", receipt.To, "status", receipt.Status)
			case <-ctx.Done():
				return
			}
		}
	}()
}
