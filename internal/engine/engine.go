// Package engine drives per-contact conversations through their product's dialogue flow.
//
// Every read-modify-write cycle for one phone number runs under that number's lock,
// and every inbound delivery is applied at most once: a replayed delivery id returns
// the replies recorded the first time. Outbound texts are returned to the caller,
// which sends them after the lock has been released.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/clarify"
	"github.com/BTreeMap/LeadPipe/internal/flow"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// DefaultMaxClarificationAttempts bounds consecutive ambiguous replies before handoff.
const DefaultMaxClarificationAttempts = 3

var (
	// ErrMissingPhoneNumber is returned for inbound messages without a sender.
	ErrMissingPhoneNumber = errors.New("inbound message has no phone number")
	// ErrNotQualified is returned by MarkBooked for contacts that are not qualified.
	ErrNotQualified = errors.New("conversation is not qualified")
)

// FlowSource provides compiled flow definitions by product key.
type FlowSource interface {
	Load(ctx context.Context, productKey string) (*flow.Definition, error)
}

// Engine applies inbound messages to conversations.
type Engine struct {
	flows       FlowSource
	store       store.ConversationStore
	resolver    *clarify.Resolver
	locker      Locker
	audit       *store.AuditLog
	productKey  string
	maxAttempts int
	now         func() time.Time
}

// Opts holds the optional engine collaborators.
type Opts struct {
	ProductKey               string
	Resolver                 *clarify.Resolver
	Locker                   Locker
	Audit                    *store.AuditLog
	MaxClarificationAttempts int
	Clock                    func() time.Time
}

// Option configures an Engine.
type Option func(*Opts)

// WithProductKey sets the product whose flow new conversations start in.
func WithProductKey(key string) Option {
	return func(o *Opts) { o.ProductKey = key }
}

// WithResolver sets the clarification resolver. Defaults to a resolver with clarification disabled.
func WithResolver(r *clarify.Resolver) Option {
	return func(o *Opts) { o.Resolver = r }
}

// WithLocker sets the per-phone lock. Defaults to an in-process KeyedLocker.
func WithLocker(l Locker) Option {
	return func(o *Opts) { o.Locker = l }
}

// WithAuditLog records every applied transition in a.
func WithAuditLog(a *store.AuditLog) Option {
	return func(o *Opts) { o.Audit = a }
}

// WithMaxClarificationAttempts sets the default cap; a flow's own cap takes precedence.
func WithMaxClarificationAttempts(n int) Option {
	return func(o *Opts) { o.MaxClarificationAttempts = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// New creates an Engine over the given flows and store.
func New(flows FlowSource, st store.ConversationStore, opts ...Option) *Engine {
	cfg := Opts{MaxClarificationAttempts: DefaultMaxClarificationAttempts}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Resolver == nil {
		cfg.Resolver = clarify.NewResolver(clarify.Disabled())
	}
	if cfg.Locker == nil {
		cfg.Locker = NewKeyedLocker()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.MaxClarificationAttempts <= 0 {
		cfg.MaxClarificationAttempts = DefaultMaxClarificationAttempts
	}
	return &Engine{
		flows:       flows,
		store:       st,
		resolver:    cfg.Resolver,
		locker:      cfg.Locker,
		audit:       cfg.Audit,
		productKey:  cfg.ProductKey,
		maxAttempts: cfg.MaxClarificationAttempts,
		now:         cfg.Clock,
	}
}

// ProductKey returns the product new conversations start in.
func (e *Engine) ProductKey() string {
	return e.productKey
}

// HandleInbound applies one inbound message and returns the texts to send back.
// Errors satisfying store.IsRetryable mean nothing was applied and the delivery
// should be retried.
func (e *Engine) HandleInbound(ctx context.Context, in models.Inbound) (models.Reply, error) {
	if in.PhoneNumber == "" {
		return models.Reply{}, ErrMissingPhoneNumber
	}
	unlock, err := e.locker.Lock(ctx, in.PhoneNumber)
	if err != nil {
		return models.Reply{}, fmt.Errorf("lock conversation: %w", err)
	}
	defer unlock()

	conv, err := e.store.GetConversation(ctx, in.PhoneNumber)
	switch {
	case errors.Is(err, store.ErrConversationNotFound):
		reply, err := e.create(ctx, in)
		if !errors.Is(err, store.ErrDuplicateConversation) {
			return reply, err
		}
		// Created concurrently by another process; continue with the stored record.
		slog.Warn("Engine.HandleInbound: conversation created concurrently", "phone", in.PhoneNumber)
		if conv, err = e.store.GetConversation(ctx, in.PhoneNumber); err != nil {
			return models.Reply{}, err
		}
	case err != nil:
		return models.Reply{}, err
	}
	return e.advance(ctx, conv, in)
}

// create starts a conversation at the initial state and greets the contact.
func (e *Engine) create(ctx context.Context, in models.Inbound) (models.Reply, error) {
	def, err := e.flows.Load(ctx, e.productKey)
	if err != nil {
		return models.Reply{}, fmt.Errorf("load flow %q: %w", e.productKey, err)
	}
	now := e.now()
	seed := models.NewConversation(in.PhoneNumber, def.ProductKey, def.Initial, now)
	seed.ContactName = strings.TrimSpace(in.ProfileName)

	prompt := flow.Render(def.InitialState().Prompt, def.Vars(seed.ContactName, seed.Answers))
	seed.AppendHistory(models.HistoryEntry{
		Timestamp:    now,
		DeliveryID:   in.DeliveryID,
		Event:        models.EventCreated,
		Inbound:      in.Text,
		MatchedState: def.Initial,
		Outbound:     []string{prompt},
	})

	conv, err := e.store.CreateConversation(ctx, seed)
	if err != nil {
		return models.Reply{}, err
	}
	slog.Info("Engine.HandleInbound: conversation created", "phone", conv.PhoneNumber, "product", conv.ProductKey, "state", conv.CurrentState)
	e.record(conv, in.DeliveryID, models.EventCreated, "", 1)
	return newReply(conv, []string{prompt}, false), nil
}

func (e *Engine) advance(ctx context.Context, conv *models.Conversation, in models.Inbound) (models.Reply, error) {
	if entry, ok := conv.FindDelivery(in.DeliveryID); ok {
		slog.Info("Engine.HandleInbound: delivery already applied", "phone", conv.PhoneNumber, "delivery", in.DeliveryID)
		return newReply(conv, entry.Outbound, true), nil
	}

	def, err := e.flows.Load(ctx, conv.ProductKey)
	if err != nil {
		return models.Reply{}, fmt.Errorf("load flow %q: %w", conv.ProductKey, err)
	}
	if conv.Status.IsTerminal() {
		slog.Debug("Engine.HandleInbound: conversation closed", "phone", conv.PhoneNumber, "status", conv.Status)
		closed := flow.Render(def.ClosedMessage, def.Vars(conv.ContactName, conv.Answers))
		return newReply(conv, []string{closed}, false), nil
	}
	if conv.ContactName == "" && strings.TrimSpace(in.ProfileName) != "" {
		conv.ContactName = strings.TrimSpace(in.ProfileName)
	}

	from := conv.CurrentState
	var out []string
	var event models.HistoryEvent

	state, ok := def.State(conv.CurrentState)
	switch {
	case !ok:
		slog.Error("Engine.HandleInbound: current state missing from flow, handing off", "phone", conv.PhoneNumber, "product", def.ProductKey, "state", conv.CurrentState)
		out, event = enter(def, conv, def.HandoffState), models.EventHandoff
	case conv.ClarificationAttempts >= e.attemptCap(def):
		slog.Info("Engine.HandleInbound: clarification cap reached, handing off", "phone", conv.PhoneNumber, "state", conv.CurrentState, "attempts", conv.ClarificationAttempts)
		out, event = enter(def, conv, def.HandoffState), models.EventHandoff
	default:
		res := e.resolver.Resolve(ctx, def, state, in.Text)
		if res.Kind == clarify.Matched {
			if res.AnswerKey != "" {
				conv.Answers[res.AnswerKey] = res.Answer
			}
			conv.ClarificationAttempts = 0
			if res.Reply != "" {
				out = append(out, flow.Render(res.Reply, def.Vars(conv.ContactName, conv.Answers)))
			}
			out = append(out, enter(def, conv, res.Next)...)
			event = models.EventMatched
		} else {
			conv.ClarificationAttempts++
			text := res.Reprompt
			if !res.Generated {
				text = flow.Render(text, def.Vars(conv.ContactName, conv.Answers))
			}
			out = []string{text}
			event = models.EventClarified
		}
	}
	if event == models.EventMatched {
		switch conv.Status {
		case models.StatusQualified:
			event = models.EventQualified
		case models.StatusDisqualified:
			event = models.EventDisqualified
		}
	}

	now := e.now()
	conv.UpdatedAt = now
	conv.AppendHistory(models.HistoryEntry{
		Timestamp:    now,
		DeliveryID:   in.DeliveryID,
		Event:        event,
		Inbound:      in.Text,
		MatchedState: from,
		Outbound:     out,
	})
	if err := e.store.SaveConversation(ctx, conv); err != nil {
		slog.Error("Engine.HandleInbound: save failed", "phone", conv.PhoneNumber, "error", err)
		return models.Reply{}, err
	}
	slog.Info("Engine.HandleInbound: transition applied", "phone", conv.PhoneNumber, "event", event, "from", from, "to", conv.CurrentState, "status", conv.Status)
	e.record(conv, in.DeliveryID, event, from, len(out))
	return newReply(conv, out, false), nil
}

// enter moves conv into state id and returns the texts announcing it. A checkpoint
// on the entered state runs the evaluator and may move on to its outcome state.
func enter(def *flow.Definition, conv *models.Conversation, id string) []string {
	st, _ := def.State(id)
	conv.CurrentState = id
	vars := def.Vars(conv.ContactName, conv.Answers)

	if st.Terminal {
		conv.Status = st.Outcome
		out := []string{flow.Render(st.Prompt, vars)}
		if st.Outcome == models.StatusQualified {
			out = append(out, def.BookingMessage(vars))
		}
		return out
	}
	if cp := st.Checkpoint; cp != nil {
		switch verdict := flow.Evaluate(def.CriteriaFor(st), conv.Answers); verdict {
		case flow.Qualified:
			return enter(def, conv, cp.OnQualified)
		case flow.Disqualified:
			return enter(def, conv, cp.OnDisqualified)
		}
	}
	return []string{flow.Render(st.Prompt, vars)}
}

func (e *Engine) attemptCap(def *flow.Definition) int {
	if def.MaxClarificationAttempts > 0 {
		return def.MaxClarificationAttempts
	}
	return e.maxAttempts
}

// record appends an audit line. Failures are logged and otherwise ignored.
func (e *Engine) record(conv *models.Conversation, deliveryID string, event models.HistoryEvent, from string, outbound int) {
	err := e.audit.Append(store.AuditEntry{
		Timestamp:    conv.UpdatedAt,
		RecordID:     conv.RecordID,
		PhoneNumber:  conv.PhoneNumber,
		ProductKey:   conv.ProductKey,
		DeliveryID:   deliveryID,
		Event:        event,
		FromState:    from,
		ToState:      conv.CurrentState,
		Status:       conv.Status,
		Attempts:     conv.ClarificationAttempts,
		OutboundSize: outbound,
	})
	if err != nil {
		slog.Warn("Engine.record: audit append failed", "phone", conv.PhoneNumber, "error", err)
	}
}

func newReply(conv *models.Conversation, messages []string, replayed bool) models.Reply {
	return models.Reply{
		PhoneNumber: conv.PhoneNumber,
		Messages:    append([]string(nil), messages...),
		State:       conv.CurrentState,
		Status:      conv.Status,
		Replayed:    replayed,
	}
}
