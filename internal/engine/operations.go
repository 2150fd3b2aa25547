package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/flow"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// Conversation returns the contact's current conversation.
func (e *Engine) Conversation(ctx context.Context, phoneNumber string) (*models.Conversation, error) {
	return e.store.GetConversation(ctx, phoneNumber)
}

// Stats returns counts of current conversations by status.
func (e *Engine) Stats(ctx context.Context) (models.ConversationStats, error) {
	return e.store.CountByStatus(ctx)
}

// MarkBooked records that a qualified contact booked a consultation.
func (e *Engine) MarkBooked(ctx context.Context, phoneNumber string) (*models.Conversation, error) {
	unlock, err := e.locker.Lock(ctx, phoneNumber)
	if err != nil {
		return nil, fmt.Errorf("lock conversation: %w", err)
	}
	defer unlock()

	conv, err := e.store.GetConversation(ctx, phoneNumber)
	if err != nil {
		return nil, err
	}
	switch conv.Status {
	case models.StatusBooked:
		return conv, nil
	case models.StatusQualified:
	default:
		return nil, fmt.Errorf("%w: status is %s", ErrNotQualified, conv.Status)
	}

	now := e.now()
	conv.Status = models.StatusBooked
	conv.UpdatedAt = now
	conv.AppendHistory(models.HistoryEntry{Timestamp: now, Event: models.EventBooked, MatchedState: conv.CurrentState})
	if err := e.store.SaveConversation(ctx, conv); err != nil {
		return nil, err
	}
	slog.Info("Engine.MarkBooked: consultation booked", "phone", phoneNumber)
	e.record(conv, "", models.EventBooked, conv.CurrentState, 0)
	return conv, nil
}

// Reset starts the contact over at the initial state of the given product, or of the
// contact's current product when productKey is empty. The previous record is kept.
func (e *Engine) Reset(ctx context.Context, phoneNumber, productKey string) (*models.Conversation, error) {
	unlock, err := e.locker.Lock(ctx, phoneNumber)
	if err != nil {
		return nil, fmt.Errorf("lock conversation: %w", err)
	}
	defer unlock()

	name := ""
	if productKey == "" {
		productKey = e.productKey
		if prev, err := e.store.GetConversation(ctx, phoneNumber); err == nil {
			productKey, name = prev.ProductKey, prev.ContactName
		} else if !errors.Is(err, store.ErrConversationNotFound) {
			return nil, err
		}
	}
	def, err := e.flows.Load(ctx, productKey)
	if err != nil {
		return nil, fmt.Errorf("load flow %q: %w", productKey, err)
	}
	seed := models.NewConversation(phoneNumber, def.ProductKey, def.Initial, e.now())
	seed.ContactName = name
	conv, err := e.store.ResetConversation(ctx, seed)
	if err != nil {
		return nil, err
	}
	slog.Info("Engine.Reset: conversation reset", "phone", phoneNumber, "product", def.ProductKey)
	e.record(conv, "", models.EventCreated, "", 0)
	return conv, nil
}

// StartConversation creates a conversation for an outreach contact and returns the
// opening message to send. Contacts that already have a conversation are skipped
// and started is false.
func (e *Engine) StartConversation(ctx context.Context, phoneNumber, name, productKey string) (message string, started bool, err error) {
	if phoneNumber == "" {
		return "", false, ErrMissingPhoneNumber
	}
	if productKey == "" {
		productKey = e.productKey
	}
	def, err := e.flows.Load(ctx, productKey)
	if err != nil {
		return "", false, fmt.Errorf("load flow %q: %w", productKey, err)
	}

	unlock, err := e.locker.Lock(ctx, phoneNumber)
	if err != nil {
		return "", false, fmt.Errorf("lock conversation: %w", err)
	}
	defer unlock()

	name = strings.TrimSpace(name)
	message = def.RenderInitialMessage(name)
	now := e.now()
	seed := models.NewConversation(phoneNumber, def.ProductKey, def.Initial, now)
	seed.ContactName = name
	seed.AppendHistory(models.HistoryEntry{
		Timestamp:    now,
		Event:        models.EventOutreach,
		MatchedState: def.Initial,
		Outbound:     []string{message},
	})

	conv, err := e.store.CreateConversation(ctx, seed)
	if errors.Is(err, store.ErrDuplicateConversation) {
		slog.Debug("Engine.StartConversation: contact already has a conversation", "phone", phoneNumber)
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	e.record(conv, "", models.EventOutreach, "", 1)
	return message, true, nil
}

// Preview renders the opening message for a contact without creating anything.
func (e *Engine) Preview(ctx context.Context, name, productKey string) (string, error) {
	if productKey == "" {
		productKey = e.productKey
	}
	def, err := e.flows.Load(ctx, productKey)
	if err != nil {
		return "", fmt.Errorf("load flow %q: %w", productKey, err)
	}
	return def.RenderInitialMessage(name), nil
}

// FallbackMessage is the generic reply sent when an inbound message could not be processed.
func (e *Engine) FallbackMessage(ctx context.Context) string {
	def, err := e.flows.Load(ctx, e.productKey)
	if err != nil || def.FallbackMessage == "" {
		return flow.DefaultFallbackMessage
	}
	return def.FallbackMessage
}
