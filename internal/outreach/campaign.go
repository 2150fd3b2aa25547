package outreach

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultDelay is the pause between two sends.
const DefaultDelay = 3 * time.Second

// Starter creates a conversation for a contact and renders its opening message.
// Implemented by *engine.Engine.
type Starter interface {
	StartConversation(ctx context.Context, phoneNumber, name, productKey string) (message string, started bool, err error)
	Preview(ctx context.Context, name, productKey string) (string, error)
}

// Sender delivers one text. Implemented by messaging.Service.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Summary counts the outcome of a campaign run.
type Summary struct {
	Total   int  `json:"total"`
	Sent    int  `json:"sent"`
	Skipped int  `json:"skipped"`
	Failed  int  `json:"failed"`
	DryRun  bool `json:"dry_run"`
}

// SuccessRate is the share of attempted contacts that were sent, in percent.
func (s Summary) SuccessRate() float64 {
	attempted := s.Sent + s.Failed
	if attempted == 0 {
		return 0
	}
	return float64(s.Sent) * 100 / float64(attempted)
}

// Campaign sends opening messages to a list of contacts.
type Campaign struct {
	starter    Starter
	sender     Sender
	productKey string
	limit      int
	delay      time.Duration
	dryRun     bool
}

// Opts holds campaign settings.
type Opts struct {
	ProductKey string
	Limit      int
	Delay      time.Duration
	DryRun     bool
}

// Option configures a Campaign.
type Option func(*Opts)

// WithProductKey sets the product for contacts the roster does not tag.
func WithProductKey(key string) Option {
	return func(o *Opts) { o.ProductKey = key }
}

// WithLimit caps how many contacts are messaged. Zero means no cap.
func WithLimit(n int) Option {
	return func(o *Opts) { o.Limit = n }
}

// WithDelay sets the pause between sends.
func WithDelay(d time.Duration) Option {
	return func(o *Opts) { o.Delay = d }
}

// WithDryRun logs the messages instead of creating conversations and sending.
func WithDryRun(enabled bool) Option {
	return func(o *Opts) { o.DryRun = enabled }
}

// NewCampaign creates a Campaign.
func NewCampaign(starter Starter, sender Sender, opts ...Option) *Campaign {
	cfg := Opts{Delay: DefaultDelay}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	return &Campaign{
		starter:    starter,
		sender:     sender,
		productKey: cfg.ProductKey,
		limit:      cfg.Limit,
		delay:      cfg.Delay,
		dryRun:     cfg.DryRun,
	}
}

// Run messages each contact in order. Contacts that already have a conversation are
// skipped, a failed contact does not stop the run, and cancelling ctx stops it
// between contacts.
func (c *Campaign) Run(ctx context.Context, contacts []Contact) (Summary, error) {
	if c.limit > 0 && len(contacts) > c.limit {
		contacts = contacts[:c.limit]
	}
	summary := Summary{Total: len(contacts), DryRun: c.dryRun}
	slog.Info("Campaign.Run: starting", "contacts", len(contacts), "dry_run", c.dryRun, "delay", c.delay)

	for i, contact := range contacts {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if i > 0 && summary.Sent+summary.Failed > 0 && !c.dryRun {
			if err := sleep(ctx, c.delay); err != nil {
				return summary, err
			}
		}

		product := contact.ProductKey
		if product == "" {
			product = c.productKey
		}

		if c.dryRun {
			message, err := c.starter.Preview(ctx, contact.Name, product)
			if err != nil {
				slog.Error("Campaign.Run: preview failed", "phone", contact.PhoneNumber, "line", contact.Line, "error", err)
				summary.Failed++
				continue
			}
			slog.Info("Campaign.Run: dry run", "phone", contact.PhoneNumber, "product", product, "message", message)
			summary.Sent++
			continue
		}

		message, started, err := c.starter.StartConversation(ctx, contact.PhoneNumber, contact.Name, product)
		if err != nil {
			slog.Error("Campaign.Run: start conversation failed", "phone", contact.PhoneNumber, "line", contact.Line, "error", err)
			summary.Failed++
			continue
		}
		if !started {
			slog.Info("Campaign.Run: contact already in a conversation, skipping", "phone", contact.PhoneNumber)
			summary.Skipped++
			continue
		}
		if err := c.sender.SendMessage(ctx, contact.PhoneNumber, message); err != nil {
			slog.Error("Campaign.Run: send failed", "phone", contact.PhoneNumber, "line", contact.Line, "error", err)
			summary.Failed++
			continue
		}
		slog.Info("Campaign.Run: sent", "phone", contact.PhoneNumber, "progress", fmt.Sprintf("%d/%d", i+1, len(contacts)))
		summary.Sent++
	}

	slog.Info("Campaign.Run: complete", "total", summary.Total, "sent", summary.Sent, "skipped", summary.Skipped, "failed", summary.Failed)
	return summary, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
