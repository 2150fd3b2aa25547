package flow

import (
	"strings"
	"unicode"
)

// Normalize lowercases a reply, trims it and collapses inner whitespace.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Tokens splits a reply into lowercase words, treating every non-alphanumeric rune as a separator.
// "Self-employed!" becomes [self employed].
func Tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
