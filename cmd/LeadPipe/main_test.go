package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/config"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// setTestEnv points LeadPipe at the bundled flows and a throwaway state directory.
func setTestEnv(t *testing.T) string {
	t.Helper()
	stateDir := t.TempDir()
	t.Setenv("LEADPIPE_STATE_DIR", stateDir)
	t.Setenv("FLOW_DIR", filepath.Join("..", "..", "flows"))
	t.Setenv("DATABASE_URL", config.MemoryDSN)
	t.Setenv("PRODUCT_KEY", "mortgage")
	t.Setenv("CLARIFIER", "disabled")
	t.Setenv("TRANSPORT", "twilio")
	t.Setenv("REPLY_MODE", "twiml")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("REDIS_URL", "")
	t.Setenv("AUDIT_DIR", "")
	return stateDir
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestApplyFlagsOverrideEnvironment(t *testing.T) {
	c := &cli{flags: globalFlags{stateDir: "/tmp/leadpipe", dbDSN: "postgres://db/leads", productKey: "personal-loan"}}
	cfg := &config.Config{StateDir: "/var/lib/leadpipe", ProductKey: "mortgage", FlowDir: "flows", LogLevel: "info"}

	c.applyFlags(cfg)
	if cfg.StateDir != "/tmp/leadpipe" || cfg.DatabaseURL != "postgres://db/leads" || cfg.ProductKey != "personal-loan" {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if cfg.FlowDir != "flows" || cfg.LogLevel != "info" {
		t.Errorf("unset flags must keep environment values: %+v", cfg)
	}
}

func TestFlowValidateBundledFlows(t *testing.T) {
	setTestEnv(t)

	out, err := execute(t, "", "flow", "validate")
	if err != nil {
		t.Fatalf("flow validate failed: %v\n%s", err, out)
	}
	for _, key := range []string{"mortgage", "personal-loan"} {
		if !strings.Contains(out, "ok   "+key) {
			t.Errorf("expected %s to validate, got:\n%s", key, out)
		}
	}
}

func TestFlowValidateReportsProblems(t *testing.T) {
	setTestEnv(t)
	dir := t.TempDir()
	broken := "product_key: broken\nhandoff_state: NOWHERE\nstates:\n  - id: START\n    initial: true\n    prompt: hi\n"
	if err := os.WriteFile(filepath.Join(dir, "broken.flow.yaml"), []byte(broken), 0o644); err != nil {
		t.Fatalf("write flow: %v", err)
	}

	out, err := execute(t, "", "--flow-dir", dir, "flow", "validate")
	if err == nil {
		t.Fatalf("expected validation failure, got:\n%s", out)
	}
	if !strings.Contains(out, "FAIL broken") || !strings.Contains(out, "handoff_state") {
		t.Errorf("expected problems listed, got:\n%s", out)
	}
}

func TestStatsJSON(t *testing.T) {
	setTestEnv(t)

	out, err := execute(t, "", "stats", "--json")
	if err != nil {
		t.Fatalf("stats failed: %v\n%s", err, out)
	}
	var stats models.ConversationStats
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if stats.Total != 0 {
		t.Errorf("expected empty store, got %+v", stats)
	}
}

func writeRoster(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roster.csv")
	data := "full_name,phone_number\nAhmed Ali,0501234567\nSarah Khan,+971509876543\nBroken,abc\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write roster: %v", err)
	}
	return path
}

func TestOutreachDryRun(t *testing.T) {
	setTestEnv(t)
	roster := writeRoster(t)

	out, err := execute(t, "", "outreach", "--roster", roster, "--dry-run", "--yes", "--delay", "0s")
	if err != nil {
		t.Fatalf("outreach failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Sent:    2") || !strings.Contains(out, "dry run") {
		t.Errorf("unexpected summary:\n%s", out)
	}
	if !strings.Contains(out, "skipping roster line 4") {
		t.Errorf("invalid row should be reported:\n%s", out)
	}
}

func TestOutreachRequiresConfirmation(t *testing.T) {
	setTestEnv(t)
	roster := writeRoster(t)

	out, err := execute(t, "no\n", "outreach", "--roster", roster, "--dry-run")
	if !errors.Is(err, ErrOutreachCancelled) {
		t.Fatalf("expected cancellation, got %v\n%s", err, out)
	}
	if !strings.Contains(out, "Proceed? (yes/no)") {
		t.Errorf("expected a confirmation prompt:\n%s", out)
	}
}

func TestOutreachNeedsTwilioCredentials(t *testing.T) {
	setTestEnv(t)
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	roster := writeRoster(t)

	_, err := execute(t, "", "outreach", "--roster", roster, "--yes")
	if err == nil || !strings.Contains(err.Error(), "TWILIO_ACCOUNT_SID") {
		t.Errorf("expected missing credential error, got %v", err)
	}
}

func TestOpenStoreSelectsBackend(t *testing.T) {
	st, err := openStore(config.MemoryDSN)
	if err != nil {
		t.Fatalf("openStore(memory) failed: %v", err)
	}
	if _, ok := st.(*store.InMemoryStore); !ok {
		t.Errorf("expected in-memory store, got %T", st)
	}

	st, err = openStore(filepath.Join(t.TempDir(), "leadpipe.db"))
	if err != nil {
		t.Fatalf("openStore(sqlite) failed: %v", err)
	}
	defer st.Close()
	if _, ok := st.(*store.SQLiteStore); !ok {
		t.Errorf("expected SQLite store, got %T", st)
	}
}

func TestOpenAppLocksSQLiteStateDir(t *testing.T) {
	stateDir := setTestEnv(t)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.DatabaseURL = ""

	a, err := openApp(context.Background(), cfg, "serve")
	if err != nil {
		t.Fatalf("openApp failed: %v", err)
	}
	defer a.Close()

	if _, err := openApp(context.Background(), cfg, "outreach"); err == nil {
		t.Fatal("second openApp on the same state directory should fail")
	}
	if _, err := os.Stat(filepath.Join(stateDir, "audit")); err != nil {
		t.Errorf("audit directory should exist: %v", err)
	}
}
