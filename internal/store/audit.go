package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// AuditEntry is one applied transition, written as a single JSON line.
type AuditEntry struct {
	Timestamp    time.Time                 `json:"ts"`
	RecordID     string                    `json:"record_id"`
	PhoneNumber  string                    `json:"phone_number"`
	ProductKey   string                    `json:"product_key"`
	DeliveryID   string                    `json:"delivery_id,omitempty"`
	Event        models.HistoryEvent       `json:"event"`
	FromState    string                    `json:"from_state,omitempty"`
	ToState      string                    `json:"to_state"`
	Status       models.ConversationStatus `json:"status"`
	Attempts     int                       `json:"clarification_attempts"`
	OutboundSize int                       `json:"outbound_count"`
}

// AuditLog appends entries to dir/YYYY-MM-DD.jsonl, switching files when the UTC day changes.
type AuditLog struct {
	dir string
	now func() time.Time

	mu  sync.Mutex
	day string
	f   *os.File
	w   *bufio.Writer
}

// NewAuditLog creates the audit directory if needed.
func NewAuditLog(dir string) (*AuditLog, error) {
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &AuditLog{dir: dir, now: time.Now}, nil
}

// Append writes one entry and flushes it.
func (a *AuditLog) Append(e AuditEntry) error {
	if a == nil {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = a.now()
	}
	e.Timestamp = e.Timestamp.UTC()
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.rotate(models.PartitionDayFor(e.Timestamp)); err != nil {
		return err
	}
	if _, err := a.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return a.w.Flush()
}

func (a *AuditLog) rotate(day string) error {
	if a.f != nil && a.day == day {
		return nil
	}
	if err := a.closeLocked(); err != nil {
		slog.Warn("AuditLog.rotate: closing previous file failed", "day", a.day, "error", err)
	}
	path := filepath.Join(a.dir, day+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	a.f, a.w, a.day = f, bufio.NewWriter(f), day
	slog.Debug("AuditLog.rotate: writing audit file", "path", path)
	return nil
}

// Close flushes and closes the current file.
func (a *AuditLog) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeLocked()
}

func (a *AuditLog) closeLocked() error {
	if a.f == nil {
		return nil
	}
	flushErr := a.w.Flush()
	closeErr := a.f.Close()
	a.f, a.w = nil, nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
