// Package messaging connects the WhatsApp transports to the dialogue engine.
//
// A Service sends texts and surfaces inbound messages; the ResponseHandler feeds
// inbound messages to the engine; the Dispatcher delivers the engine's replies,
// durably through the outbox when one is configured.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

var (
	// ErrServiceStopped is returned by sends after Stop.
	ErrServiceStopped = errors.New("messaging service stopped")
	// ErrRecipientNotAllowed is returned when sandbox mode blocks a recipient.
	ErrRecipientNotAllowed = errors.New("recipient not allowed in sandbox mode")
)

// Service defines a pluggable message delivery abstraction.
// It supports sending messages, and provides channels for receipt and response events.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a recipient and returns it in E.164 form.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., event handling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of incoming contact messages.
	Responses() <-chan models.Response
}

// canonicalize applies the shared phone number rules for all transports.
func canonicalize(recipient, countryCode string) (string, error) {
	return util.CanonicalizePhone(recipient, countryCode)
}

// emit pushes v onto ch unless the channel stays full for DefaultChannelTimeout.
func emit[T any](ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-time.After(DefaultChannelTimeout):
		return false
	}
}
