package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/engine"
	"github.com/BTreeMap/LeadPipe/internal/flow"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
)

const handlerFlow = `
product_key: demo
product_hook: "demo loans"
calendly_link: "https://calendly.com/demo/consult"
initial_message_template: "Hello {name}, interested in {product_hook}?"
handoff_state: HANDOFF
eligibility:
  eq: {key: employment_type, value: salaried}
states:
  - id: START
    initial: true
    prompt: "Hi {name}! Interested in {product_hook}?"
    patterns:
      - {type: keyword, label: "Yes", values: ["yes"], next: Q_JOB, reply: "Great!"}
      - {type: keyword, label: "No", values: ["no"], next: HANDOFF}
  - id: Q_JOB
    prompt: "Are you salaried?"
    checkpoint: {on_qualified: QUALIFIED, on_disqualified: NOT_QUALIFIED}
    patterns:
      - {type: exact, label: "Salaried", values: ["salaried"], answer_key: employment_type, next: QUALIFIED}
  - {id: QUALIFIED, terminal: true, outcome: qualified, prompt: "You qualify!"}
  - {id: NOT_QUALIFIED, terminal: true, outcome: disqualified, prompt: "Sorry."}
  - {id: HANDOFF, terminal: true, outcome: abandoned, prompt: "An advisor will contact you."}
`

func newTestHandler(t *testing.T, outbox store.OutboxRepo) (*ResponseHandler, *twiliowhatsapp.MockClient, *store.InMemoryStore) {
	t.Helper()
	def, err := flow.Parse([]byte(handlerFlow), flow.FormatYAML)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	loader := flow.NewLoader("")
	loader.Add(def)
	st := store.NewInMemoryStore()
	eng := engine.New(loader, st, engine.WithProductKey("demo"))

	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	return NewResponseHandler(eng, svc, NewDispatcher(svc, outbox), st), mock, st
}

func bodies(sent []twiliowhatsapp.SentMessage) string {
	out := make([]string, len(sent))
	for i, m := range sent {
		out[i] = m.Body
	}
	return strings.Join(out, "|")
}

func TestProcessResponseDrivesEngine(t *testing.T) {
	rh, mock, st := newTestHandler(t, nil)
	ctx := context.Background()

	if err := rh.ProcessResponse(ctx, models.Response{From: "whatsapp:+971501234567", Body: "hello", MessageID: "wamid.1", ProfileName: "Omar"}); err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}
	if err := rh.ProcessResponse(ctx, models.Response{From: "+971501234567", Body: "yes", MessageID: "wamid.2"}); err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}

	want := "Hi Omar! Interested in demo loans?|Great!|Are you salaried?"
	if got := bodies(mock.Sent()); got != want {
		t.Errorf("sent %q, want %q", got, want)
	}
	for _, m := range mock.Sent() {
		if m.To != "+971501234567" {
			t.Errorf("expected canonical recipient, got %q", m.To)
		}
	}

	dup, err := st.IsDuplicate(context.Background(), "wamid.2")
	if err != nil || !dup {
		t.Errorf("expected delivery to be recorded in the ledger, got %v / %v", dup, err)
	}
}

func TestProcessResponseReplayNotResent(t *testing.T) {
	rh, mock, _ := newTestHandler(t, nil)
	ctx := context.Background()
	resp := models.Response{From: "+971501234567", Body: "hello", MessageID: "wamid.1"}

	for i := 0; i < 2; i++ {
		if err := rh.ProcessResponse(ctx, resp); err != nil {
			t.Fatalf("ProcessResponse failed: %v", err)
		}
	}
	if n := len(mock.Sent()); n != 1 {
		t.Errorf("expected the replayed delivery not to be resent, got %d sends", n)
	}
}

func TestProcessResponseInvalidSender(t *testing.T) {
	rh, mock, _ := newTestHandler(t, nil)
	if err := rh.ProcessResponse(context.Background(), models.Response{From: "abc", Body: "hi"}); err == nil {
		t.Fatal("expected invalid sender error")
	}
	if len(mock.Sent()) != 0 {
		t.Error("nothing should be sent to an invalid sender")
	}
}

type failingProcessor struct{ err error }

func (f failingProcessor) HandleInbound(ctx context.Context, in models.Inbound) (models.Reply, error) {
	return models.Reply{}, f.err
}

func (f failingProcessor) FallbackMessage(ctx context.Context) string {
	return "Sorry, let's try again."
}

func TestProcessResponseEngineFailureSendsFallback(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	rh := NewResponseHandler(failingProcessor{err: errors.New("store down")}, svc, nil, nil)

	err := rh.ProcessResponse(context.Background(), models.Response{From: "+971501234567", Body: "hi", MessageID: "wamid.1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := bodies(mock.Sent()); got != "Sorry, let's try again." {
		t.Errorf("expected fallback, got %q", got)
	}
}

func TestResponseHandlerStartConsumesResponses(t *testing.T) {
	def, err := flow.Parse([]byte(handlerFlow), flow.FormatYAML)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	loader := flow.NewLoader("")
	loader.Add(def)
	eng := engine.New(loader, store.NewInMemoryStore(), engine.WithProductKey("demo"))

	inbound := make(chan models.Response, 1)
	svc := &chanService{responses: inbound, receipts: make(chan models.Receipt), sent: make(chan string, 4)}
	rh := NewResponseHandler(eng, svc, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rh.Start(ctx)

	inbound <- models.Response{From: "+971501234567", Body: "hi", MessageID: "wamid.9"}
	if got := <-svc.sent; !strings.HasPrefix(got, "Hi") {
		t.Errorf("unexpected reply %q", got)
	}
}

// chanService is a Service whose channels are controlled by the test.
type chanService struct {
	responses chan models.Response
	receipts  chan models.Receipt
	sent      chan string
}

func (c *chanService) ValidateAndCanonicalizeRecipient(r string) (string, error) { return r, nil }

func (c *chanService) SendMessage(ctx context.Context, to, body string) error {
	c.sent <- body
	return nil
}

func (c *chanService) Start(ctx context.Context) error { return nil }

func (c *chanService) Stop() error { return nil }

func (c *chanService) Receipts() <-chan models.Receipt { return c.receipts }

func (c *chanService) Responses() <-chan models.Response { return c.responses }
