package messaging

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
)

func newOutboxStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "outbox.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDispatcherDirectSendsInOrder(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	d := NewDispatcher(NewTwilioService(mock), nil)
	if d.Durable() {
		t.Fatal("dispatcher without outbox must not be durable")
	}
	if err := d.Dispatch(context.Background(), "+971501234567", "SM1", []string{"one", "two"}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got := bodies(mock.Sent()); got != "one|two" {
		t.Errorf("sent %q", got)
	}
}

func TestDispatcherDirectStopsAtFirstFailure(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	mock.Err = errors.New("down")
	d := NewDispatcher(NewTwilioService(mock), nil)
	if err := d.Dispatch(context.Background(), "+971501234567", "SM1", []string{"one", "two"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestDispatcherOutboxIsIdempotentPerDelivery(t *testing.T) {
	st := newOutboxStore(t)
	mock := twiliowhatsapp.NewMockClient()
	d := NewDispatcher(NewTwilioService(mock), st)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := d.Dispatch(ctx, "+971501234567", "SM1", []string{"one", "two"}); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
	}
	if len(mock.Sent()) != 0 {
		t.Fatal("outbox mode must not send inline")
	}

	sender := store.NewOutboxSender(st, d.SendOutboxMessage, time.Second)
	sender.Poll(ctx)

	if got := bodies(mock.Sent()); got != "one|two" {
		t.Errorf("expected each reply once and in order, got %q", got)
	}
}
