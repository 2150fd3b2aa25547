package flow

import (
	"regexp"
	"strconv"
	"strings"
)

// Verdict is the outcome of an eligibility evaluation.
type Verdict int

const (
	// Undetermined means a required answer is still missing.
	Undetermined Verdict = iota
	Qualified
	Disqualified
)

func (v Verdict) String() string {
	switch v {
	case Qualified:
		return "qualified"
	case Disqualified:
		return "disqualified"
	default:
		return "undetermined"
	}
}

// CriteriaOp names a node of a criteria tree.
type CriteriaOp string

const (
	OpAll   CriteriaOp = "all"
	OpAny   CriteriaOp = "any"
	OpNot   CriteriaOp = "not"
	OpEq    CriteriaOp = "eq"
	OpIn    CriteriaOp = "in"
	OpRange CriteriaOp = "range"
)

// Criteria is a compiled boolean expression over answer keys.
type Criteria struct {
	Op       CriteriaOp
	Key      string
	Values   []string
	Min, Max *float64
	Children []*Criteria
}

// Evaluate decides eligibility from the collected answers using three-valued logic:
// a leaf whose key is absent is undetermined, "all" fails as soon as one child fails,
// and "any" passes as soon as one child passes. A nil tree qualifies.
// Evaluate is pure: identical inputs always yield the identical verdict.
func Evaluate(c *Criteria, answers map[string]string) Verdict {
	if c == nil {
		return Qualified
	}
	switch c.Op {
	case OpAll:
		verdict := Qualified
		for _, child := range c.Children {
			switch Evaluate(child, answers) {
			case Disqualified:
				return Disqualified
			case Undetermined:
				verdict = Undetermined
			}
		}
		return verdict
	case OpAny:
		verdict := Disqualified
		for _, child := range c.Children {
			switch Evaluate(child, answers) {
			case Qualified:
				return Qualified
			case Undetermined:
				verdict = Undetermined
			}
		}
		return verdict
	case OpNot:
		if len(c.Children) != 1 {
			return Undetermined
		}
		switch Evaluate(c.Children[0], answers) {
		case Qualified:
			return Disqualified
		case Disqualified:
			return Qualified
		default:
			return Undetermined
		}
	}

	answer, ok := answers[c.Key]
	if !ok {
		return Undetermined
	}
	return boolVerdict(matchLeaf(c, answer))
}

func matchLeaf(c *Criteria, answer string) bool {
	switch c.Op {
	case OpEq, OpIn:
		answer = strings.TrimSpace(answer)
		for _, v := range c.Values {
			if strings.EqualFold(answer, strings.TrimSpace(v)) {
				return true
			}
		}
		return false
	case OpRange:
		n, ok := ParseNumber(answer)
		if !ok {
			return false
		}
		if c.Min != nil && n < *c.Min {
			return false
		}
		if c.Max != nil && n > *c.Max {
			return false
		}
		return true
	default:
		return false
	}
}

func boolVerdict(b bool) Verdict {
	if b {
		return Qualified
	}
	return Disqualified
}

var numberRe = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?`)

// ParseNumber extracts the first number of a free-form answer, e.g. "12,500 AED" -> 12500.
func ParseNumber(s string) (float64, bool) {
	m := numberRe.FindString(s)
	if m == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
