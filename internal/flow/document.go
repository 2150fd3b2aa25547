package flow

// Document is the authored form of a flow, decoded from JSON or YAML.
type Document struct {
	ProductKey               string       `json:"product_key" yaml:"product_key"`
	ProductHook              string       `json:"product_hook" yaml:"product_hook"`
	CalendlyLink             string       `json:"calendly_link" yaml:"calendly_link"`
	InitialMessageTemplate   string       `json:"initial_message_template" yaml:"initial_message_template"`
	BookingMessageTemplate   string       `json:"booking_message_template,omitempty" yaml:"booking_message_template,omitempty"`
	ClosedMessage            string       `json:"closed_message,omitempty" yaml:"closed_message,omitempty"`
	FallbackMessage          string       `json:"fallback_message,omitempty" yaml:"fallback_message,omitempty"`
	HandoffState             string       `json:"handoff_state" yaml:"handoff_state"`
	MaxClarificationAttempts int          `json:"max_clarification_attempts,omitempty" yaml:"max_clarification_attempts,omitempty"`
	Eligibility              *CriteriaDoc `json:"eligibility,omitempty" yaml:"eligibility,omitempty"`
	States                   []StateDoc   `json:"states" yaml:"states"`
}

// StateDoc is the authored form of a state.
type StateDoc struct {
	ID         string         `json:"id" yaml:"id"`
	Prompt     string         `json:"prompt" yaml:"prompt"`
	Reprompt   string         `json:"reprompt,omitempty" yaml:"reprompt,omitempty"`
	Initial    bool           `json:"initial,omitempty" yaml:"initial,omitempty"`
	Terminal   bool           `json:"terminal,omitempty" yaml:"terminal,omitempty"`
	Outcome    string         `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	Patterns   []PatternDoc   `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	Checkpoint *CheckpointDoc `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
}

// PatternDoc is the authored form of a reply pattern.
type PatternDoc struct {
	Type      string   `json:"type" yaml:"type"`
	Values    []string `json:"values,omitempty" yaml:"values,omitempty"`
	Regex     string   `json:"regex,omitempty" yaml:"regex,omitempty"`
	Label     string   `json:"label,omitempty" yaml:"label,omitempty"`
	Next      string   `json:"next" yaml:"next"`
	AnswerKey string   `json:"answer_key,omitempty" yaml:"answer_key,omitempty"`
	Answer    string   `json:"answer,omitempty" yaml:"answer,omitempty"`
	Reply     string   `json:"reply,omitempty" yaml:"reply,omitempty"`
}

// CheckpointDoc is the authored form of an eligibility checkpoint.
type CheckpointDoc struct {
	Criteria       *CriteriaDoc `json:"criteria,omitempty" yaml:"criteria,omitempty"`
	OnQualified    string       `json:"on_qualified" yaml:"on_qualified"`
	OnDisqualified string       `json:"on_disqualified" yaml:"on_disqualified"`
}

// CriteriaDoc is one node of an authored criteria tree. Exactly one operator must be set.
type CriteriaDoc struct {
	All   []CriteriaDoc `json:"all,omitempty" yaml:"all,omitempty"`
	Any   []CriteriaDoc `json:"any,omitempty" yaml:"any,omitempty"`
	Not   *CriteriaDoc  `json:"not,omitempty" yaml:"not,omitempty"`
	Eq    *EqDoc        `json:"eq,omitempty" yaml:"eq,omitempty"`
	In    *InDoc        `json:"in,omitempty" yaml:"in,omitempty"`
	Range *RangeDoc     `json:"range,omitempty" yaml:"range,omitempty"`
}

// EqDoc compares an answer with a single value.
type EqDoc struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// InDoc checks an answer against a set of values.
type InDoc struct {
	Key    string   `json:"key" yaml:"key"`
	Values []string `json:"values" yaml:"values"`
}

// RangeDoc bounds a numeric answer. Both bounds are inclusive.
type RangeDoc struct {
	Key string   `json:"key" yaml:"key"`
	Min *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}
