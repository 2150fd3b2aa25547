// Package outreach sends the opening message of a product's flow to a roster of contacts.
package outreach

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/util"
)

// ErrMissingColumn is returned when a roster lacks the name or phone column.
var ErrMissingColumn = errors.New("roster is missing a required column")

// Contact is one roster row.
type Contact struct {
	Name        string
	PhoneNumber string
	// ProductKey is empty when the roster does not tag the contact; the campaign default applies.
	ProductKey string
	Line       int
}

// RowError describes a roster row that was skipped.
type RowError struct {
	Line   int
	Reason string
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

var columnAliases = map[string]string{
	"full_name":    "name",
	"fullname":     "name",
	"name":         "name",
	"phone_number": "phone",
	"phonenumber":  "phone",
	"phone":        "phone",
	"product":      "product",
	"product_key":  "product",
}

// ReadRosterFile opens path and reads it with ReadRoster.
func ReadRosterFile(path, countryCode string) ([]Contact, []RowError, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open roster: %w", err)
	}
	defer f.Close()
	return ReadRoster(f, countryCode)
}

// ReadRoster parses a CSV roster with a header row naming full_name, phone_number
// and optionally product. Phone numbers are canonicalised with countryCode; rows with
// an invalid or repeated number are returned as RowErrors and left out.
func ReadRoster(r io.Reader, countryCode string) ([]Contact, []RowError, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("%w: empty roster", ErrMissingColumn)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read roster header: %w", err)
	}
	cols := make(map[string]int)
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if name, ok := columnAliases[key]; ok {
			if _, dup := cols[name]; !dup {
				cols[name] = i
			}
		}
	}
	for _, required := range []string{"name", "phone"} {
		if _, ok := cols[required]; !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrMissingColumn, required)
		}
	}

	field := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var contacts []Contact
	var skipped []RowError
	seen := make(map[string]int)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read roster: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}

		raw := field(rec, "phone")
		phone, err := util.CanonicalizePhone(raw, countryCode)
		if err != nil {
			skipped = append(skipped, RowError{Line: line, Reason: fmt.Sprintf("invalid phone number %q", raw)})
			continue
		}
		if first, dup := seen[phone]; dup {
			skipped = append(skipped, RowError{Line: line, Reason: fmt.Sprintf("duplicate of line %d", first)})
			continue
		}
		seen[phone] = line
		contacts = append(contacts, Contact{
			Name:        field(rec, "name"),
			PhoneNumber: phone,
			ProductKey:  field(rec, "product"),
			Line:        line,
		})
	}

	slog.Info("outreach.ReadRoster: roster loaded", "contacts", len(contacts), "skipped", len(skipped))
	return contacts, skipped, nil
}
