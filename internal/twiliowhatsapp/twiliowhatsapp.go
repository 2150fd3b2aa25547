// Package twiliowhatsapp wraps the Twilio API for WhatsApp integration in LeadPipe.
//
// It covers outbound sends through the REST API, TwiML replies to inbound webhooks,
// and validation of the X-Twilio-Signature header.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"github.com/BTreeMap/LeadPipe/internal/util"
)

// ChannelPrefix marks WhatsApp addresses in Twilio's API.
const ChannelPrefix = "whatsapp:"

// SignatureHeader carries Twilio's HMAC of the webhook URL and form parameters.
const SignatureHeader = "X-Twilio-Signature"

var (
	// ErrMissingCredentials is returned when the account SID or auth token is not set.
	ErrMissingCredentials = errors.New("account SID and auth token must be provided")
	// ErrMissingFromNumber is returned when no sending number is configured.
	ErrMissingFromNumber = errors.New("from number must be provided")
)

// TwilioWhatsAppSender sends WhatsApp text messages. Implemented by Client and MockClient.
type TwilioWhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// messageCreator is the part of the Twilio REST API used for sends.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number, with or without the "whatsapp:" prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	api       messageCreator
	fromWhats string // "whatsapp:+1234567890"
}

// NewClient creates a Twilio client from the given options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.FromWhats == "" {
		return nil, ErrMissingFromNumber
	}

	rest := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		api:       rest.Api,
		fromWhats: WhatsAppAddress(cfg.FromWhats),
	}, nil
}

// WhatsAppAddress prefixes a phone number with the WhatsApp channel marker.
func WhatsAppAddress(phone string) string {
	if strings.HasPrefix(phone, ChannelPrefix) {
		return phone
	}
	return ChannelPrefix + phone
}

// SendMessage sends a WhatsApp message using Twilio API
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(WhatsAppAddress(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	msg, err := c.api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", util.RedactPhone(to), err)
	}

	if msg != nil && msg.Sid != nil {
		slog.Debug("Twilio message sent", "to", to, "sid", *msg.Sid)
	} else {
		slog.Debug("Twilio message sent", "to", to)
	}
	return nil
}

// MessagingResponse renders a TwiML document that replies with each message in order.
func MessagingResponse(messages []string) (string, error) {
	verbs := make([]twiml.Element, 0, len(messages))
	for _, m := range messages {
		verbs = append(verbs, &twiml.MessagingMessage{Body: m})
	}
	return twiml.Messages(verbs)
}

// SignatureValidator checks that webhook requests were signed with the account's auth token.
type SignatureValidator struct {
	validator twilioClient.RequestValidator
	baseURL   string
}

// NewSignatureValidator creates a validator. baseURL is the public scheme and host the
// webhook is reached at (e.g. "https://leads.example.com"); Twilio signs that URL, not
// the one seen behind a proxy.
func NewSignatureValidator(authToken, baseURL string) *SignatureValidator {
	return &SignatureValidator{
		validator: twilioClient.NewRequestValidator(authToken),
		baseURL:   strings.TrimRight(baseURL, "/"),
	}
}

// Validate reports whether r carries a valid signature. r.ParseForm must have been called.
func (v *SignatureValidator) Validate(r *http.Request) bool {
	sig := r.Header.Get(SignatureHeader)
	if sig == "" {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, vals := range r.PostForm {
		if len(vals) > 0 {
			params[k] = vals[0]
		}
	}
	return v.validator.Validate(v.baseURL+r.URL.RequestURI(), params, sig)
}

// MockClient records sends instead of calling Twilio. Safe for concurrent use.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	// Err, when set, is returned from every send.
	Err error
}

// SentMessage is one send recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the recorded sends.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}
