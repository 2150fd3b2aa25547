package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
)

// TwilioService implements the Service interface using the Twilio API.
// Inbound messages reach LeadPipe through the HTTP webhook, so Responses never
// yields anything for this transport.
type TwilioService struct {
	client      twiliowhatsapp.TwilioWhatsAppSender // real Twilio client or MockClient
	countryCode string
	// sandboxRecipient, when set, is the only number sends may go to.
	sandboxRecipient string

	receipts  chan models.Receipt
	responses chan models.Response
	mu        sync.RWMutex
	stopped   bool
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSandboxRecipient restricts sends to one number, as Twilio's sandbox only
// delivers to numbers that joined it.
func WithSandboxRecipient(number string) TwilioOption {
	return func(s *TwilioService) { s.sandboxRecipient = number }
}

// WithCountryCode sets the country code assumed for numbers without one.
func WithCountryCode(cc string) TwilioOption {
	return func(s *TwilioService) { s.countryCode = cc }
}

// NewTwilioService creates a new TwilioService around client.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sandboxRecipient != "" {
		if canonical, err := canonicalize(s.sandboxRecipient, s.countryCode); err == nil {
			s.sandboxRecipient = canonical
		} else {
			slog.Warn("TwilioService: invalid sandbox recipient, every send will be blocked", "error", err)
		}
	}
	return s
}

// ValidateAndCanonicalizeRecipient returns the recipient in E.164 form.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalize(recipient, s.countryCode)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "phone", canonical)
	}
	return canonical, nil
}

// Start is a no-op; Twilio pushes inbound messages to the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.responses)
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: invalid recipient", "error", err)
		return err
	}
	if s.sandboxRecipient != "" && canonicalTo != s.sandboxRecipient {
		slog.Warn("TwilioService.SendMessage: sandbox mode, blocking send", "to", canonicalTo)
		return fmt.Errorf("%w: %s", ErrRecipientNotAllowed, "only the test recipient may receive messages")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrServiceStopped
	}

	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		return err
	}
	slog.Info("TwilioService.SendMessage: message sent", "to", canonicalTo, "body_length", len(body))

	if !emit(s.receipts, models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()}) {
		slog.Warn("TwilioService.SendMessage: receipts channel blocked, dropping receipt", "to", canonicalTo)
	}
	return nil
}

// Receipts returns the channel for sent message receipts
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the channel for incoming messages (unused for Twilio)
func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}
