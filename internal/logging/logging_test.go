package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRedactsPhoneAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelDebug)

	logger.Info("Engine.HandleInbound: reply ready", "phone", "+971501234567", "state", "Q_INCOME")
	out := buf.String()
	if strings.Contains(out, "+971501234567") {
		t.Errorf("phone number leaked: %s", out)
	}
	if !strings.Contains(out, "+97150…567") {
		t.Errorf("expected redacted form: %s", out)
	}
	if !strings.Contains(out, "state=Q_INCOME") {
		t.Errorf("other attributes should be untouched: %s", out)
	}
}

func TestRedactsWithAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelDebug).With("to", "+971509876543")

	logger.Info("sent", slog.Group("contact", slog.String("phone_number", "+447700900123"), slog.String("name", "Omar")))
	out := buf.String()
	for _, leaked := range []string{"+971509876543", "+447700900123"} {
		if strings.Contains(out, leaked) {
			t.Errorf("phone number %s leaked: %s", leaked, out)
		}
	}
	if !strings.Contains(out, "contact.name=Omar") {
		t.Errorf("group attributes should be kept: %s", out)
	}
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelWarn)

	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}
