package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/clarify"
	"github.com/BTreeMap/LeadPipe/internal/flow"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

const engineFlow = `
product_key: demo
product_hook: "demo loans"
calendly_link: "https://calendly.com/demo/consult"
initial_message_template: "Hello {name}, we have news about {product_hook}. Interested?"
handoff_state: HANDOFF
eligibility:
  all:
    - eq: {key: employment_type, value: salaried}
    - range: {key: monthly_income, min: 5000}
states:
  - id: START
    initial: true
    prompt: "Hi {name}! Interested in {product_hook}?"
    patterns:
      - {type: keyword, label: "Yes", values: ["yes", "sure"], next: Q_JOB, reply: "Great!"}
      - {type: keyword, label: "No", values: ["no"], next: DECLINED}
  - id: Q_JOB
    prompt: "Are you salaried or self-employed?"
    patterns:
      - {type: exact, label: "Salaried", values: ["salaried"], answer_key: employment_type, next: Q_INCOME}
      - {type: exact, label: "Self-employed", values: ["self employed"], answer_key: employment_type, answer: self-employed, next: Q_INCOME}
  - id: Q_INCOME
    prompt: "What is your monthly income?"
    checkpoint: {on_qualified: QUALIFIED, on_disqualified: NOT_QUALIFIED}
    patterns:
      - {type: regex, label: "a number", regex: '(\d[\d,]*)', answer_key: monthly_income, next: REVIEW}
  - id: REVIEW
    prompt: "Thanks, we'll review."
    checkpoint: {on_qualified: QUALIFIED, on_disqualified: NOT_QUALIFIED}
    patterns:
      - {type: free_text, next: HANDOFF}
  - {id: QUALIFIED, terminal: true, outcome: qualified, prompt: "Congratulations {name}, you qualify!"}
  - {id: NOT_QUALIFIED, terminal: true, outcome: disqualified, prompt: "Sorry {name}, you are not eligible."}
  - {id: DECLINED, terminal: true, outcome: abandoned, prompt: "No problem, bye!"}
  - {id: HANDOFF, terminal: true, outcome: abandoned, prompt: "An advisor will contact you."}
`

const phone = "+971501234567"

func testFlows(t *testing.T, docs ...string) *flow.Loader {
	t.Helper()
	if len(docs) == 0 {
		docs = []string{engineFlow}
	}
	loader := flow.NewLoader("")
	for _, doc := range docs {
		def, err := flow.Parse([]byte(doc), flow.FormatYAML)
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		loader.Add(def)
	}
	return loader
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	opts = append([]Option{WithProductKey("demo")}, opts...)
	return New(testFlows(t), st, opts...), st
}

func send(t *testing.T, e *Engine, text, deliveryID string) models.Reply {
	t.Helper()
	reply, err := e.HandleInbound(context.Background(), models.Inbound{PhoneNumber: phone, Text: text, DeliveryID: deliveryID, ProfileName: "Aisha"})
	if err != nil {
		t.Fatalf("HandleInbound(%q) failed: %v", text, err)
	}
	return reply
}

func get(t *testing.T, e *Engine) *models.Conversation {
	t.Helper()
	conv, err := e.Conversation(context.Background(), phone)
	if err != nil {
		t.Fatalf("Conversation failed: %v", err)
	}
	return conv
}

func assertMessages(t *testing.T, got models.Reply, want ...string) {
	t.Helper()
	if strings.Join(got.Messages, "|") != strings.Join(want, "|") {
		t.Errorf("Messages = %q, want %q", got.Messages, want)
	}
}

func TestScenarioFreshContactGetsInitialPrompt(t *testing.T) {
	e, _ := newTestEngine(t)

	reply := send(t, e, "hello there", "SM1")
	assertMessages(t, reply, "Hi Aisha! Interested in demo loans?")

	conv := get(t, e)
	if conv.Status != models.StatusInProgress || conv.CurrentState != "START" {
		t.Errorf("Expected in_progress at START, got %s at %s", conv.Status, conv.CurrentState)
	}
	if conv.ContactName != "Aisha" || conv.ProductKey != "demo" {
		t.Errorf("Unexpected conversation %+v", conv)
	}
	if len(conv.History) != 1 || conv.History[0].Event != models.EventCreated {
		t.Errorf("Expected a created history entry, got %+v", conv.History)
	}
}

func TestScenarioKeywordMatchAdvances(t *testing.T) {
	e, _ := newTestEngine(t)
	send(t, e, "hi", "SM1")

	reply := send(t, e, "Yes please", "SM2")
	assertMessages(t, reply, "Great!", "Are you salaried or self-employed?")

	conv := get(t, e)
	if conv.CurrentState != "Q_JOB" || conv.ClarificationAttempts != 0 {
		t.Errorf("Expected Q_JOB with no attempts, got %s / %d", conv.CurrentState, conv.ClarificationAttempts)
	}
	if len(conv.Answers) != 0 {
		t.Errorf("Expected no answers recorded, got %v", conv.Answers)
	}
}

func TestScenarioGibberishRepromptsDeterministically(t *testing.T) {
	e, _ := newTestEngine(t)
	send(t, e, "hi", "SM1")

	first := send(t, e, "qwzx", "SM2")
	second := send(t, e, "blarg!!", "SM3")

	want := "Hi Aisha! Interested in demo loans?\n\nPlease reply with one of: Yes, No."
	assertMessages(t, first, want)
	assertMessages(t, second, want)

	conv := get(t, e)
	if conv.CurrentState != "START" || conv.ClarificationAttempts != 2 {
		t.Errorf("Expected START with 2 attempts, got %s / %d", conv.CurrentState, conv.ClarificationAttempts)
	}
	if conv.History[2].Event != models.EventClarified {
		t.Errorf("Expected clarified event, got %s", conv.History[2].Event)
	}
}

func TestScenarioQualifiedLeadGetsBookingLink(t *testing.T) {
	e, _ := newTestEngine(t)
	send(t, e, "hi", "SM1")
	send(t, e, "yes", "SM2")

	// Income is still unknown, so the checkpoint on Q_INCOME is undetermined.
	reply := send(t, e, "Salaried", "SM3")
	assertMessages(t, reply, "What is your monthly income?")

	reply = send(t, e, "about 12,000 AED", "SM4")
	assertMessages(t, reply,
		"Congratulations Aisha, you qualify!",
		"Book your consultation here: https://calendly.com/demo/consult")
	if reply.Status != models.StatusQualified || reply.State != "QUALIFIED" {
		t.Errorf("Expected qualified at QUALIFIED, got %s at %s", reply.Status, reply.State)
	}

	conv := get(t, e)
	if conv.Answers["employment_type"] != "salaried" || conv.Answers["monthly_income"] != "12,000" {
		t.Errorf("Unexpected answers %v", conv.Answers)
	}
	if last := conv.History[len(conv.History)-1]; last.Event != models.EventQualified || last.MatchedState != "Q_INCOME" {
		t.Errorf("Unexpected last history entry %+v", last)
	}

	// Terminal: further messages change nothing.
	before := *conv.Clone()
	closed := send(t, e, "yes", "SM5")
	assertMessages(t, closed, flow.DefaultClosedMessage)
	after := get(t, e)
	if after.CurrentState != before.CurrentState || after.Status != before.Status || len(after.History) != len(before.History) || after.Version != before.Version {
		t.Errorf("Terminal conversation was mutated: before %+v after %+v", before, after)
	}
}

func TestCheckpointDisqualifiesOnEntry(t *testing.T) {
	e, _ := newTestEngine(t)
	send(t, e, "hi", "SM1")
	send(t, e, "sure", "SM2")

	reply := send(t, e, "self-employed", "SM3")
	assertMessages(t, reply, "Sorry Aisha, you are not eligible.")
	if reply.Status != models.StatusDisqualified {
		t.Errorf("Expected disqualified, got %s", reply.Status)
	}
	if conv := get(t, e); conv.Answers["employment_type"] != "self-employed" {
		t.Errorf("Expected fixed answer, got %v", conv.Answers)
	}
}

func TestLowIncomeDisqualifies(t *testing.T) {
	e, _ := newTestEngine(t)
	for i, text := range []string{"hi", "yes", "salaried"} {
		send(t, e, text, fmt.Sprintf("SM%d", i))
	}
	reply := send(t, e, "3000", "SM9")
	if reply.Status != models.StatusDisqualified || reply.State != "NOT_QUALIFIED" {
		t.Errorf("Expected disqualified, got %s at %s", reply.Status, reply.State)
	}
}

func TestDeclineEndsConversation(t *testing.T) {
	e, _ := newTestEngine(t)
	send(t, e, "hi", "SM1")
	reply := send(t, e, "no thanks", "SM2")
	assertMessages(t, reply, "No problem, bye!")
	if reply.Status != models.StatusAbandoned {
		t.Errorf("Expected abandoned, got %s", reply.Status)
	}
}

func TestReplayedDeliveryIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	send(t, e, "hi", "SM1")
	first := send(t, e, "yes", "SM2")
	once := get(t, e)

	replay := send(t, e, "yes", "SM2")
	if !replay.Replayed {
		t.Error("Expected replay to be flagged")
	}
	assertMessages(t, replay, first.Messages...)

	twice := get(t, e)
	if twice.CurrentState != once.CurrentState || twice.Version != once.Version || len(twice.History) != len(once.History) {
		t.Errorf("Replay mutated conversation: %+v vs %+v", once, twice)
	}

	// The creating delivery replays too.
	if r := send(t, e, "hi", "SM1"); !r.Replayed {
		t.Error("Expected the first delivery to replay")
	}
}

func TestReplayAfterTerminalReturnsRecordedReply(t *testing.T) {
	e, _ := newTestEngine(t)
	send(t, e, "hi", "SM1")
	bye := send(t, e, "no", "SM2")

	replay := send(t, e, "no", "SM2")
	assertMessages(t, replay, bye.Messages...)
	if !replay.Replayed {
		t.Error("Expected replay of the terminal transition")
	}
}

func TestClarificationCapForcesHandoff(t *testing.T) {
	e, _ := newTestEngine(t, WithMaxClarificationAttempts(2))
	send(t, e, "hi", "SM1")
	send(t, e, "??", "SM2")
	send(t, e, "??", "SM3")

	if conv := get(t, e); conv.ClarificationAttempts != 2 {
		t.Fatalf("Expected 2 attempts, got %d", conv.ClarificationAttempts)
	}

	// Even a valid reply is overridden once the cap is reached.
	reply := send(t, e, "yes", "SM4")
	assertMessages(t, reply, "An advisor will contact you.")
	conv := get(t, e)
	if conv.CurrentState != "HANDOFF" || conv.Status != models.StatusAbandoned {
		t.Errorf("Expected handoff, got %s / %s", conv.CurrentState, conv.Status)
	}
	if conv.ClarificationAttempts > 2 {
		t.Errorf("Attempts exceeded the cap: %d", conv.ClarificationAttempts)
	}
	if last := conv.History[len(conv.History)-1]; last.Event != models.EventHandoff {
		t.Errorf("Expected handoff event, got %s", last.Event)
	}
}

func TestFlowCapOverridesEngineCap(t *testing.T) {
	doc := strings.Replace(engineFlow, "handoff_state: HANDOFF", "handoff_state: HANDOFF\nmax_clarification_attempts: 1", 1)
	st := store.NewInMemoryStore()
	e := New(testFlows(t, doc), st, WithProductKey("demo"), WithMaxClarificationAttempts(5))

	send(t, e, "hi", "SM1")
	send(t, e, "??", "SM2")
	reply := send(t, e, "??", "SM3")
	if reply.State != "HANDOFF" {
		t.Errorf("Expected handoff after one attempt, got %s", reply.State)
	}
}

func TestStoreFailureDoesNotAdvance(t *testing.T) {
	e, st := newTestEngine(t)
	send(t, e, "hi", "SM1")

	st.SetFailure(errors.New("disk full"))
	_, err := e.HandleInbound(context.Background(), models.Inbound{PhoneNumber: phone, Text: "yes", DeliveryID: "SM2"})
	if !store.IsRetryable(err) {
		t.Fatalf("Expected retryable error, got %v", err)
	}
	st.SetFailure(nil)

	if conv := get(t, e); conv.CurrentState != "START" {
		t.Fatalf("State advanced despite failure: %s", conv.CurrentState)
	}
	// The provider's retry then applies normally.
	if reply := send(t, e, "yes", "SM2"); reply.Replayed || reply.State != "Q_JOB" {
		t.Errorf("Expected retry to apply, got %+v", reply)
	}
}

func TestMissingPhoneNumber(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.HandleInbound(context.Background(), models.Inbound{Text: "hi"}); !errors.Is(err, ErrMissingPhoneNumber) {
		t.Errorf("Expected ErrMissingPhoneNumber, got %v", err)
	}
}

type stubGenerator struct{ text string }

func (s stubGenerator) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return s.text, nil
}

func TestGeneratedRepromptIsSentVerbatim(t *testing.T) {
	resolver := clarify.NewResolver(clarify.Enabled(stubGenerator{text: "Just say yes or no, {name}!"}, time.Second))
	e, _ := newTestEngine(t, WithResolver(resolver))
	send(t, e, "hi", "SM1")

	reply := send(t, e, "what?", "SM2")
	assertMessages(t, reply, "Just say yes or no, {name}!")
	if conv := get(t, e); conv.CurrentState != "START" || conv.ClarificationAttempts != 1 {
		t.Errorf("Generated text must not change control flow: %+v", conv)
	}
}

func TestConcurrentDeliveriesAreSerialised(t *testing.T) {
	e, _ := newTestEngine(t, WithMaxClarificationAttempts(100))
	send(t, e, "hi", "SM0")

	const n = 20
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.HandleInbound(context.Background(), models.Inbound{PhoneNumber: phone, Text: "??", DeliveryID: fmt.Sprintf("SM%d", i)})
			if err != nil {
				t.Errorf("HandleInbound failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	conv := get(t, e)
	if conv.ClarificationAttempts != n || len(conv.History) != n+1 {
		t.Errorf("Expected %d attempts and %d history entries, got %d and %d", n, n+1, conv.ClarificationAttempts, len(conv.History))
	}
}

func TestConcurrentDuplicateDeliveryAppliedOnce(t *testing.T) {
	e, _ := newTestEngine(t)
	send(t, e, "hi", "SM0")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.HandleInbound(context.Background(), models.Inbound{PhoneNumber: phone, Text: "??", DeliveryID: "SM-dup"}); err != nil {
				t.Errorf("HandleInbound failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if conv := get(t, e); conv.ClarificationAttempts != 1 || len(conv.History) != 2 {
		t.Errorf("Expected a single application, got attempts=%d history=%d", conv.ClarificationAttempts, len(conv.History))
	}
}

func TestConcurrentFirstContactCreatesOnce(t *testing.T) {
	e, st := newTestEngine(t, WithMaxClarificationAttempts(100))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := e.HandleInbound(context.Background(), models.Inbound{PhoneNumber: phone, Text: "hi", DeliveryID: fmt.Sprintf("SM%d", i)}); err != nil {
				t.Errorf("HandleInbound failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	stats, err := st.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("Expected one conversation, got %d", stats.Total)
	}
	if conv := get(t, e); len(conv.History) != 8 {
		t.Errorf("Expected every delivery recorded once, got %d entries", len(conv.History))
	}
}

func TestMarkBooked(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	send(t, e, "hi", "SM1")

	if _, err := e.MarkBooked(ctx, phone); !errors.Is(err, ErrNotQualified) {
		t.Fatalf("Expected ErrNotQualified, got %v", err)
	}

	for i, text := range []string{"yes", "salaried", "15000"} {
		send(t, e, text, fmt.Sprintf("SM%d", i+2))
	}
	conv, err := e.MarkBooked(ctx, phone)
	if err != nil {
		t.Fatalf("MarkBooked failed: %v", err)
	}
	if conv.Status != models.StatusBooked {
		t.Errorf("Expected booked, got %s", conv.Status)
	}
	// Booking twice is a no-op.
	if _, err := e.MarkBooked(ctx, phone); err != nil {
		t.Errorf("Second MarkBooked failed: %v", err)
	}

	if _, err := e.MarkBooked(ctx, "+971500000000"); !errors.Is(err, store.ErrConversationNotFound) {
		t.Errorf("Expected ErrConversationNotFound, got %v", err)
	}
}

func TestResetStartsOver(t *testing.T) {
	e, _ := newTestEngine(t)
	send(t, e, "hi", "SM1")
	send(t, e, "no", "SM2")
	old := get(t, e)

	conv, err := e.Reset(context.Background(), phone, "")
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if conv.RecordID == old.RecordID || conv.CurrentState != "START" || conv.Status != models.StatusInProgress {
		t.Errorf("Unexpected reset conversation %+v", conv)
	}
	if conv.ContactName != "Aisha" {
		t.Errorf("Expected the contact name to carry over, got %q", conv.ContactName)
	}

	reply := send(t, e, "yes", "SM3")
	if reply.State != "Q_JOB" {
		t.Errorf("Expected conversation to continue from START, got %s", reply.State)
	}
}

func TestStartConversation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	msg, started, err := e.StartConversation(ctx, phone, "Omar", "")
	if err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}
	if !started || msg != "Hello Omar, we have news about demo loans. Interested?" {
		t.Errorf("Unexpected start: %v %q", started, msg)
	}

	if _, started, err := e.StartConversation(ctx, phone, "Omar", ""); err != nil || started {
		t.Errorf("Expected existing contact to be skipped, got %v %v", started, err)
	}

	// The contact's reply is matched against the initial state.
	reply := send(t, e, "Sure", "SM1")
	assertMessages(t, reply, "Great!", "Are you salaried or self-employed?")
	if conv := get(t, e); conv.ContactName != "Omar" {
		t.Errorf("Expected outreach name to be kept, got %q", conv.ContactName)
	}
}

func TestStatsCountsByStatus(t *testing.T) {
	e, _ := newTestEngine(t)
	send(t, e, "hi", "SM1")
	if _, _, err := e.StartConversation(context.Background(), "+971500000001", "", ""); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}

	stats, err := e.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 2 || stats.ByStatus[models.StatusInProgress] != 2 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestAuditTrailWritten(t *testing.T) {
	dir := t.TempDir()
	audit, err := store.NewAuditLog(dir)
	if err != nil {
		t.Fatalf("NewAuditLog failed: %v", err)
	}
	defer audit.Close()

	e, _ := newTestEngine(t, WithAuditLog(audit))
	send(t, e, "hi", "SM1")
	send(t, e, "yes", "SM2")

	path := filepath.Join(dir, models.PartitionDayFor(time.Now())+".jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 2 {
		t.Errorf("Expected 2 audit lines, got %d", lines)
	}
	if !strings.Contains(string(data), `"to_state":"Q_JOB"`) {
		t.Errorf("Expected transition in audit trail, got %s", data)
	}
}

func TestFallbackMessage(t *testing.T) {
	e, _ := newTestEngine(t)
	if got := e.FallbackMessage(context.Background()); got != flow.DefaultFallbackMessage {
		t.Errorf("Unexpected fallback %q", got)
	}
}

func TestBundledMortgageGreeting(t *testing.T) {
	tests := []struct {
		reply  string
		state  string
		status models.ConversationStatus
	}{
		{"Not interested", "DECLINED", models.StatusAbandoned},
		{"No thanks, not interested", "DECLINED", models.StatusAbandoned},
		{"not sure", "DECLINED", models.StatusAbandoned},
		{"Yes please", "Q_EMPLOYMENT", models.StatusInProgress},
		{"ok", "Q_EMPLOYMENT", models.StatusInProgress},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			loader := flow.NewLoader(filepath.Join("..", "..", "flows"))
			e := New(loader, store.NewInMemoryStore(), WithProductKey("mortgage"))
			send(t, e, "hi", "SM1")
			send(t, e, tt.reply, "SM2")

			conv := get(t, e)
			if conv.CurrentState != tt.state || conv.Status != tt.status {
				t.Errorf("%q ended in %s/%s, want %s/%s", tt.reply, conv.CurrentState, conv.Status, tt.state, tt.status)
			}
		})
	}
}
