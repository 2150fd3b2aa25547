// Package util holds phone number helpers shared by the transports, the API and outreach.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultCountryCode is assumed for numbers written without an international prefix.
const DefaultCountryCode = "971"

// ErrInvalidPhoneNumber is returned when a phone number cannot be put in E.164 form.
var ErrInvalidPhoneNumber = errors.New("invalid phone number")

// CanonicalizePhone converts a raw phone number into E.164 form ("+971501234567").
// A "whatsapp:" channel prefix is stripped, formatting characters are dropped, a
// leading "00" becomes "+", and numbers without an international prefix get
// countryCode (a leading trunk "0" is replaced). An empty countryCode means
// DefaultCountryCode.
func CanonicalizePhone(raw, countryCode string) (string, error) {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	s := strings.TrimSpace(raw)
	if len(s) >= 9 && strings.EqualFold(s[:9], "whatsapp:") {
		s = s[9:]
	}

	var digits strings.Builder
	plus := false
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+':
			if i != 0 && digits.Len() > 0 {
				return "", fmt.Errorf("%w: misplaced '+' in %q", ErrInvalidPhoneNumber, raw)
			}
			plus = true
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", fmt.Errorf("%w: unexpected character %q in %q", ErrInvalidPhoneNumber, r, raw)
		}
	}

	d := digits.String()
	switch {
	case d == "":
		return "", fmt.Errorf("%w: no digits in %q", ErrInvalidPhoneNumber, raw)
	case plus:
	case strings.HasPrefix(d, "00"):
		d = d[2:]
	case strings.HasPrefix(d, countryCode):
	case strings.HasPrefix(d, "0"):
		d = countryCode + d[1:]
	default:
		d = countryCode + d
	}

	if len(d) < 8 || len(d) > 15 {
		return "", fmt.Errorf("%w: %q has %d digits", ErrInvalidPhoneNumber, raw, len(d))
	}
	return "+" + d, nil
}

// RedactPhone shortens a phone number for logs: "+971501234567" becomes "+97150…567".
func RedactPhone(phone string) string {
	r := []rune(phone)
	if len(r) <= 9 {
		return "***"
	}
	return string(r[:6]) + "…" + string(r[len(r)-3:])
}
