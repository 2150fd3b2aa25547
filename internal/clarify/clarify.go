// Package clarify resolves a contact's free-text reply against the expected reply
// patterns of the current dialogue state.
//
// Matching is deterministic. When nothing matches, the resolver produces a reprompt,
// optionally phrased by a generative backend. Generated text is display-only: it never
// selects a transition or records an answer.
package clarify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/LeadPipe/internal/flow"
	"github.com/BTreeMap/LeadPipe/internal/genai"
)

// ErrClarificationTimeout reports that the generative backend did not answer in time or failed.
// The resolver recovers from it locally; callers never see it.
var ErrClarificationTimeout = errors.New("clarification unavailable")

const (
	// MaxGeneratedLength caps generated reprompts, in characters.
	MaxGeneratedLength = 500
	// DefaultTimeout bounds one generative call.
	DefaultTimeout = 5 * time.Second
)

// Kind tells a match from an ambiguous reply.
type Kind int

const (
	Ambiguous Kind = iota
	Matched
)

func (k Kind) String() string {
	if k == Matched {
		return "matched"
	}
	return "ambiguous"
}

// Resolution is the outcome of resolving one reply.
type Resolution struct {
	Kind Kind

	// Set when Kind is Matched.
	Next      string
	AnswerKey string
	Answer    string
	Reply     string

	// Set when Kind is Ambiguous. Deterministic reprompts are templates that still
	// need rendering; Generated reprompts are final text.
	Reprompt  string
	Generated bool
}

// Capability selects how ambiguous replies are reprompted.
type Capability struct {
	generator genai.Generator
	timeout   time.Duration
}

// Disabled never calls out; ambiguous replies get the deterministic reprompt.
func Disabled() Capability {
	return Capability{}
}

// Enabled phrases reprompts with gen, bounded by timeout.
func Enabled(gen genai.Generator, timeout time.Duration) Capability {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return Capability{generator: gen, timeout: timeout}
}

// IsEnabled reports whether a generative backend is configured.
func (c Capability) IsEnabled() bool {
	return c.generator != nil
}

// Resolver matches replies and builds reprompts. It is safe for concurrent use.
type Resolver struct {
	capability Capability
}

// NewResolver creates a Resolver with the given clarification capability.
func NewResolver(capability Capability) *Resolver {
	return &Resolver{capability: capability}
}

// Resolve matches raw against state's patterns. A reply that matches nothing yields
// an Ambiguous resolution carrying a reprompt.
func (r *Resolver) Resolve(ctx context.Context, def *flow.Definition, state *flow.State, raw string) Resolution {
	if res, ok := Match(state, raw); ok {
		return res
	}

	if r.capability.IsEnabled() {
		text, err := r.generate(ctx, def, state)
		if err == nil {
			return Resolution{Kind: Ambiguous, Reprompt: text, Generated: true}
		}
		slog.Warn("Resolver.Resolve: falling back to deterministic reprompt", "product", def.ProductKey, "state", state.ID, "error", err)
	}
	return Resolution{Kind: Ambiguous, Reprompt: DeterministicReprompt(state)}
}

// Match runs the deterministic matcher only. Patterns are tried in declared order
// with free-text patterns last; the first match wins. Empty replies never match.
func Match(state *flow.State, raw string) (Resolution, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Resolution{}, false
	}
	tokens := flow.Tokens(trimmed)

	var freeText *flow.Pattern
	for i := range state.Patterns {
		p := &state.Patterns[i]
		if p.Type == flow.PatternFreeText {
			if freeText == nil {
				freeText = p
			}
			continue
		}
		if value, ok := matchPattern(p, trimmed, tokens); ok {
			return matched(p, value), true
		}
	}
	if freeText != nil {
		return matched(freeText, trimmed), true
	}
	return Resolution{}, false
}

func matchPattern(p *flow.Pattern, raw string, tokens []string) (string, bool) {
	switch p.Type {
	case flow.PatternExact:
		for _, v := range p.Values {
			if equalTokens(tokens, flow.Tokens(v)) {
				return v, true
			}
		}
	case flow.PatternKeyword:
		for _, v := range p.Values {
			if containsPhrase(tokens, flow.Tokens(v)) {
				return v, true
			}
		}
	case flow.PatternRegex:
		if p.Regex == nil {
			return "", false
		}
		m := p.Regex.FindStringSubmatch(raw)
		if m == nil {
			return "", false
		}
		if len(m) > 1 && m[1] != "" {
			return strings.TrimSpace(m[1]), true
		}
		return strings.TrimSpace(m[0]), true
	}
	return "", false
}

func matched(p *flow.Pattern, value string) Resolution {
	answer := value
	if p.Answer != "" {
		answer = p.Answer
	}
	return Resolution{
		Kind:      Matched,
		Next:      p.Next,
		AnswerKey: p.AnswerKey,
		Answer:    answer,
		Reply:     p.Reply,
	}
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// containsPhrase reports whether phrase occurs as a contiguous run of whole words in tokens.
func containsPhrase(tokens, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(tokens) {
		return false
	}
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		if equalTokens(tokens[i:i+len(phrase)], phrase) {
			return true
		}
	}
	return false
}

// DeterministicReprompt returns the state's own reprompt, or its prompt followed by
// the list of expected replies.
func DeterministicReprompt(state *flow.State) string {
	if state.Reprompt != "" {
		return state.Reprompt
	}
	hints := state.Hints()
	if len(hints) == 0 {
		return state.Prompt
	}
	return fmt.Sprintf("%s\n\nPlease reply with one of: %s.", state.Prompt, strings.Join(hints, ", "))
}

const systemPrompt = `You help a lead-qualification assistant on WhatsApp. The customer's last reply did not match what was expected.
Rewrite the question below as one short, friendly message that guides the customer to answer with one of the expected replies.
Do not add new questions, offers, prices or eligibility decisions. Reply with the message text only.`

func (r *Resolver) generate(ctx context.Context, def *flow.Definition, state *flow.State) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.capability.timeout)
	defer cancel()

	prompt := flow.Render(state.Prompt, def.Vars("", nil))
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", prompt)
	if hints := state.Hints(); len(hints) > 0 {
		fmt.Fprintf(&b, "Expected replies: %s\n", strings.Join(hints, ", "))
	}
	if def.ProductHook != "" {
		fmt.Fprintf(&b, "Product: %s\n", def.ProductHook)
	}

	start := time.Now()
	text, err := r.capability.generator.Generate(ctx, systemPrompt, b.String())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrClarificationTimeout, err)
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("%w: %v", ErrClarificationTimeout, ctx.Err())
	}
	text = truncate(strings.TrimSpace(text), MaxGeneratedLength)
	if text == "" {
		return "", fmt.Errorf("%w: empty response", ErrClarificationTimeout)
	}
	slog.Debug("Resolver.generate: reprompt generated", "state", state.ID, "length", len(text), "elapsed", time.Since(start))
	return text, nil
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n]))
}
