package flow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Format is the encoding of a flow document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FlowValidationError reports every problem found in a flow document.
// A product whose flow fails validation is never served.
type FlowValidationError struct {
	ProductKey string
	Problems   []string
}

func (e *FlowValidationError) Error() string {
	key := e.ProductKey
	if key == "" {
		key = "<unknown>"
	}
	return fmt.Sprintf("invalid flow %q: %s", key, strings.Join(e.Problems, "; "))
}

var productKeyRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Parse decodes a flow document and compiles it. Unknown fields are rejected.
func Parse(data []byte, format Format) (*Definition, error) {
	var doc Document
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, &FlowValidationError{Problems: []string{fmt.Sprintf("malformed document: %v", err)}}
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, &FlowValidationError{Problems: []string{fmt.Sprintf("malformed document: %v", err)}}
		}
	default:
		return nil, fmt.Errorf("unsupported flow format %q", format)
	}
	return Compile(doc)
}

// Compile validates a document and builds its immutable Definition.
// All problems are collected into a single FlowValidationError.
func Compile(doc Document) (*Definition, error) {
	c := &compiler{}

	key := strings.TrimSpace(doc.ProductKey)
	if key == "" {
		c.problem("product_key is required")
	} else if !productKeyRe.MatchString(key) {
		c.problem("product_key %q must be lowercase letters, digits, '-' or '_'", key)
	}

	def := &Definition{
		ProductKey:               key,
		ProductHook:              doc.ProductHook,
		CalendlyLink:             doc.CalendlyLink,
		InitialMessageTemplate:   doc.InitialMessageTemplate,
		BookingMessageTemplate:   orDefault(doc.BookingMessageTemplate, DefaultBookingMessageTemplate),
		ClosedMessage:            orDefault(doc.ClosedMessage, DefaultClosedMessage),
		FallbackMessage:          orDefault(doc.FallbackMessage, DefaultFallbackMessage),
		HandoffState:             doc.HandoffState,
		MaxClarificationAttempts: doc.MaxClarificationAttempts,
		States:                   make(map[string]*State, len(doc.States)),
	}
	if doc.MaxClarificationAttempts < 0 {
		c.problem("max_clarification_attempts must not be negative")
	}
	if doc.Eligibility != nil {
		def.Eligibility = c.criteria(*doc.Eligibility, "eligibility")
	}

	if len(doc.States) == 0 {
		c.problem("flow defines no states")
	}
	var initials []string
	for i, sd := range doc.States {
		if sd.ID == "" {
			c.problem("state #%d has no id", i+1)
			continue
		}
		if _, dup := def.States[sd.ID]; dup {
			c.problem("duplicate state id %q", sd.ID)
			continue
		}
		st := c.state(sd)
		def.States[st.ID] = st
		def.Order = append(def.Order, st.ID)
		if st.Initial {
			initials = append(initials, st.ID)
		}
	}
	switch len(initials) {
	case 0:
		c.problem("no initial state")
	case 1:
		def.Initial = initials[0]
	default:
		c.problem("exactly one initial state required, found %d (%s)", len(initials), strings.Join(initials, ", "))
	}

	c.references(def)
	if len(c.problems) == 0 {
		c.graph(def)
	}

	if len(c.problems) > 0 {
		return nil, &FlowValidationError{ProductKey: key, Problems: c.problems}
	}
	return def, nil
}

type compiler struct {
	problems []string
}

func (c *compiler) problem(format string, args ...any) {
	c.problems = append(c.problems, fmt.Sprintf(format, args...))
}

func (c *compiler) state(sd StateDoc) *State {
	st := &State{
		ID:       sd.ID,
		Prompt:   sd.Prompt,
		Reprompt: sd.Reprompt,
		Initial:  sd.Initial,
		Terminal: sd.Terminal,
	}
	if strings.TrimSpace(sd.Prompt) == "" {
		c.problem("state %q has no prompt", sd.ID)
	}

	if sd.Terminal {
		outcome := models.ConversationStatus(sd.Outcome)
		if !outcome.IsTerminal() {
			c.problem("terminal state %q needs an outcome of qualified, disqualified, booked or abandoned", sd.ID)
		}
		st.Outcome = outcome
		if len(sd.Patterns) > 0 {
			c.problem("terminal state %q must not declare patterns", sd.ID)
		}
		if sd.Checkpoint != nil {
			c.problem("terminal state %q must not declare a checkpoint", sd.ID)
		}
		if sd.Initial {
			c.problem("initial state %q must not be terminal", sd.ID)
		}
		return st
	}

	if sd.Outcome != "" {
		c.problem("non-terminal state %q must not declare an outcome", sd.ID)
	}
	if len(sd.Patterns) == 0 {
		c.problem("non-terminal state %q has no patterns", sd.ID)
	}
	freeText := 0
	for i, pd := range sd.Patterns {
		p, ok := c.pattern(sd.ID, i, pd)
		if !ok {
			continue
		}
		if p.Type == PatternFreeText {
			freeText++
		}
		st.Patterns = append(st.Patterns, p)
	}
	if freeText > 1 {
		c.problem("state %q declares %d free_text patterns, at most one allowed", sd.ID, freeText)
	}
	if sd.Checkpoint != nil {
		cp := &Checkpoint{
			OnQualified:    sd.Checkpoint.OnQualified,
			OnDisqualified: sd.Checkpoint.OnDisqualified,
		}
		if sd.Checkpoint.Criteria != nil {
			cp.Criteria = c.criteria(*sd.Checkpoint.Criteria, fmt.Sprintf("state %q checkpoint", sd.ID))
		}
		st.Checkpoint = cp
	}
	return st
}

func (c *compiler) pattern(stateID string, idx int, pd PatternDoc) (Pattern, bool) {
	where := fmt.Sprintf("state %q pattern #%d", stateID, idx+1)
	p := Pattern{
		Type:      PatternType(pd.Type),
		Label:     pd.Label,
		Next:      pd.Next,
		AnswerKey: pd.AnswerKey,
		Answer:    pd.Answer,
		Reply:     pd.Reply,
	}
	if pd.Next == "" {
		c.problem("%s has no next state", where)
	}
	switch p.Type {
	case PatternExact, PatternKeyword:
		for _, v := range pd.Values {
			if n := Normalize(v); n != "" {
				p.Values = append(p.Values, n)
			}
		}
		if len(p.Values) == 0 {
			c.problem("%s (%s) has no values", where, p.Type)
			return p, false
		}
	case PatternRegex:
		if pd.Regex == "" {
			c.problem("%s (regex) has no expression", where)
			return p, false
		}
		re, err := regexp.Compile("(?i)" + pd.Regex)
		if err != nil {
			c.problem("%s has an invalid regex: %v", where, err)
			return p, false
		}
		p.Regex = re
	case PatternFreeText:
		if len(pd.Values) > 0 || pd.Regex != "" {
			c.problem("%s (free_text) must not declare values or regex", where)
		}
	default:
		c.problem("%s has unknown type %q", where, pd.Type)
		return p, false
	}
	return p, true
}

func (c *compiler) criteria(cd CriteriaDoc, where string) *Criteria {
	set := 0
	for _, b := range []bool{len(cd.All) > 0, len(cd.Any) > 0, cd.Not != nil, cd.Eq != nil, cd.In != nil, cd.Range != nil} {
		if b {
			set++
		}
	}
	if set != 1 {
		c.problem("%s: each criteria node needs exactly one of all, any, not, eq, in, range", where)
		return nil
	}

	switch {
	case len(cd.All) > 0 || len(cd.Any) > 0:
		op, children := OpAll, cd.All
		if len(cd.Any) > 0 {
			op, children = OpAny, cd.Any
		}
		node := &Criteria{Op: op}
		for i, child := range children {
			node.Children = append(node.Children, c.criteria(child, fmt.Sprintf("%s.%s[%d]", where, op, i)))
		}
		return node
	case cd.Not != nil:
		return &Criteria{Op: OpNot, Children: []*Criteria{c.criteria(*cd.Not, where+".not")}}
	case cd.Eq != nil:
		if cd.Eq.Key == "" {
			c.problem("%s.eq: key is required", where)
		}
		return &Criteria{Op: OpEq, Key: cd.Eq.Key, Values: []string{cd.Eq.Value}}
	case cd.In != nil:
		if cd.In.Key == "" {
			c.problem("%s.in: key is required", where)
		}
		if len(cd.In.Values) == 0 {
			c.problem("%s.in: values must not be empty", where)
		}
		return &Criteria{Op: OpIn, Key: cd.In.Key, Values: cd.In.Values}
	default:
		r := cd.Range
		if r.Key == "" {
			c.problem("%s.range: key is required", where)
		}
		if r.Min == nil && r.Max == nil {
			c.problem("%s.range: min or max is required", where)
		}
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			c.problem("%s.range: min exceeds max", where)
		}
		return &Criteria{Op: OpRange, Key: r.Key, Min: r.Min, Max: r.Max}
	}
}

// references checks that every named target exists and has the right shape.
func (c *compiler) references(def *Definition) {
	for _, id := range def.Order {
		st := def.States[id]
		for i, p := range st.Patterns {
			if p.Next == "" {
				continue
			}
			if _, ok := def.States[p.Next]; !ok {
				c.problem("state %q pattern #%d targets undefined state %q", id, i+1, p.Next)
			}
		}
		if cp := st.Checkpoint; cp != nil {
			c.terminalTarget(def, fmt.Sprintf("state %q checkpoint on_qualified", id), cp.OnQualified, models.StatusQualified)
			c.terminalTarget(def, fmt.Sprintf("state %q checkpoint on_disqualified", id), cp.OnDisqualified, models.StatusDisqualified)
			if def.CriteriaFor(st) == nil {
				c.problem("state %q checkpoint has no criteria and the flow declares no eligibility", id)
			}
		}
		if st.Terminal && st.Outcome == models.StatusQualified && strings.TrimSpace(def.CalendlyLink) == "" {
			c.problem("calendly_link is required: state %q qualifies contacts", id)
		}
	}

	if def.HandoffState == "" {
		c.problem("handoff_state is required")
	} else if hs, ok := def.States[def.HandoffState]; !ok {
		c.problem("handoff_state %q is not defined", def.HandoffState)
	} else if !hs.Terminal {
		c.problem("handoff_state %q must be terminal", def.HandoffState)
	}
}

func (c *compiler) terminalTarget(def *Definition, where, target string, outcome models.ConversationStatus) {
	if target == "" {
		c.problem("%s is required", where)
		return
	}
	st, ok := def.States[target]
	switch {
	case !ok:
		c.problem("%s targets undefined state %q", where, target)
	case !st.Terminal:
		c.problem("%s target %q must be terminal", where, target)
	case st.Outcome != outcome:
		c.problem("%s target %q must have outcome %s, has %s", where, target, outcome, st.Outcome)
	}
}

// graph checks reachability from the initial state and that every state can still
// end the conversation. The forced handoff counts as an edge for reachability, but
// not as a way out: a state whose only exit is the clarification cap would trap
// contacts who answer correctly.
func (c *compiler) graph(def *Definition) {
	explicit := make(map[string][]string, len(def.States))
	for id, st := range def.States {
		for _, p := range st.Patterns {
			explicit[id] = append(explicit[id], p.Next)
		}
		if cp := st.Checkpoint; cp != nil {
			explicit[id] = append(explicit[id], cp.OnQualified, cp.OnDisqualified)
		}
	}

	reached := map[string]bool{def.Initial: true}
	queue := []string{def.Initial}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		next := explicit[id]
		if !def.States[id].Terminal {
			next = append(next[:len(next):len(next)], def.HandoffState)
		}
		for _, n := range next {
			if !reached[n] {
				reached[n] = true
				queue = append(queue, n)
			}
		}
	}

	reverse := make(map[string][]string, len(def.States))
	for from, tos := range explicit {
		for _, to := range tos {
			reverse[to] = append(reverse[to], from)
		}
	}
	exits := make(map[string]bool, len(def.States))
	for id, st := range def.States {
		if st.Terminal {
			exits[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, from := range reverse[id] {
			if !exits[from] {
				exits[from] = true
				queue = append(queue, from)
			}
		}
	}

	for _, id := range def.Order {
		if !reached[id] {
			c.problem("state %q is unreachable from initial state %q", id, def.Initial)
		}
		if !exits[id] {
			c.problem("no terminal state is reachable from state %q", id)
		}
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
