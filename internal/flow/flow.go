// Package flow loads, validates and serves the per-product dialogue flows.
//
// A flow document is authored as JSON or YAML and compiled once into an immutable
// Definition: a graph of states with ordered reply patterns, terminal outcomes,
// eligibility checkpoints and message templates. Definitions are shared read-only
// across all conversations of a product.
package flow

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

const (
	// DefaultBookingMessageTemplate is appended to the prompt of a qualified terminal state.
	DefaultBookingMessageTemplate = "Book your consultation here: {calendly_link}"
	// DefaultClosedMessage is sent to contacts whose conversation has already ended.
	DefaultClosedMessage = "This conversation has ended. Thank you for your time! If you need anything else, our team will be in touch."
	// DefaultFallbackMessage is the generic reply used when a message cannot be processed.
	DefaultFallbackMessage = "Sorry, something went wrong on our side. Let's try again in a moment."
	// DefaultContactName replaces {name} when the contact's name is unknown.
	DefaultContactName = "there"
)

// PatternType identifies how a pattern matches a reply.
type PatternType string

const (
	PatternExact    PatternType = "exact"
	PatternKeyword  PatternType = "keyword"
	PatternRegex    PatternType = "regex"
	PatternFreeText PatternType = "free_text"
)

// Pattern is a compiled reply matcher mapped to a transition.
type Pattern struct {
	Type      PatternType
	Values    []string // normalised; exact and keyword only
	Regex     *regexp.Regexp
	Label     string
	Next      string
	AnswerKey string
	Answer    string // fixed value recorded instead of the matched text
	Reply     string // acknowledgement sent before the next prompt
}

// Hint returns the display form of the expected reply, or "" when the pattern has none.
func (p Pattern) Hint() string {
	if p.Label != "" {
		return p.Label
	}
	switch p.Type {
	case PatternExact, PatternKeyword:
		if len(p.Values) > 0 {
			return p.Values[0]
		}
	}
	return ""
}

// Checkpoint runs the eligibility evaluator when its state is entered.
type Checkpoint struct {
	// Criteria overrides the flow-level eligibility criteria when set.
	Criteria       *Criteria
	OnQualified    string
	OnDisqualified string
}

// State is one node of the dialogue graph.
type State struct {
	ID         string
	Prompt     string
	Reprompt   string
	Patterns   []Pattern
	Initial    bool
	Terminal   bool
	Outcome    models.ConversationStatus
	Checkpoint *Checkpoint
}

// Hints lists the expected reply forms in declared order, without duplicates.
func (s *State) Hints() []string {
	seen := make(map[string]bool, len(s.Patterns))
	var hints []string
	for _, p := range s.Patterns {
		h := p.Hint()
		if h == "" || seen[strings.ToLower(h)] {
			continue
		}
		seen[strings.ToLower(h)] = true
		hints = append(hints, h)
	}
	return hints
}

// Definition is the compiled, immutable flow for one product.
type Definition struct {
	ProductKey               string
	ProductHook              string
	CalendlyLink             string
	InitialMessageTemplate   string
	BookingMessageTemplate   string
	ClosedMessage            string
	FallbackMessage          string
	HandoffState             string
	MaxClarificationAttempts int
	Initial                  string
	Eligibility              *Criteria
	States                   map[string]*State
	// Order preserves the declared state order for listing and diagnostics.
	Order []string
}

// State returns the state with the given id.
func (d *Definition) State(id string) (*State, bool) {
	s, ok := d.States[id]
	return s, ok
}

// InitialState returns the designated initial state.
func (d *Definition) InitialState() *State {
	return d.States[d.Initial]
}

// CriteriaFor returns the criteria a checkpoint on the given state evaluates.
func (d *Definition) CriteriaFor(s *State) *Criteria {
	if s.Checkpoint != nil && s.Checkpoint.Criteria != nil {
		return s.Checkpoint.Criteria
	}
	return d.Eligibility
}

// Evaluate runs the flow-level eligibility criteria over the answers.
func (d *Definition) Evaluate(answers map[string]string) Verdict {
	return Evaluate(d.Eligibility, answers)
}

// Vars builds the placeholder values available to every template of this flow.
// Answers are exposed under their answer keys; the fixed placeholders win on collision.
func (d *Definition) Vars(name string, answers map[string]string) map[string]string {
	vars := make(map[string]string, len(answers)+3)
	for k, v := range answers {
		vars[k] = v
	}
	if strings.TrimSpace(name) == "" {
		name = DefaultContactName
	}
	vars["name"] = name
	vars["calendly_link"] = d.CalendlyLink
	vars["product_hook"] = d.ProductHook
	return vars
}

// RenderInitialMessage renders the outreach opener for a contact.
func (d *Definition) RenderInitialMessage(name string) string {
	tmpl := d.InitialMessageTemplate
	if tmpl == "" {
		tmpl = d.InitialState().Prompt
	}
	return Render(tmpl, d.Vars(name, nil))
}

// BookingMessage renders the booking message carrying the Calendly link.
func (d *Definition) BookingMessage(vars map[string]string) string {
	return Render(d.BookingMessageTemplate, vars)
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Render substitutes {placeholder} tokens. Unknown placeholders are left untouched.
func Render(tmpl string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(tok string) string {
		key := tok[1 : len(tok)-1]
		if v, ok := vars[key]; ok {
			return v
		}
		return tok
	})
}
