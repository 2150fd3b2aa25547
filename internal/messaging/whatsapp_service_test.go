package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/whatsapp"
)

// Ensure both transports implement Service
func TestServicesImplementService(t *testing.T) {
	var _ Service = (*WhatsAppService)(nil)
	var _ Service = (*TwilioService)(nil)
}

// Test SendMessage emits a sent receipt
func TestWhatsAppService_SendMessage_Receipt(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient, "")
	ctx := context.Background()
	if err := svc.SendMessage(ctx, "0501234567", "hello"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	select {
	case receipt := <-svc.Receipts():
		if receipt.To != "+971501234567" {
			t.Errorf("expected canonical receipt.To, got %s", receipt.To)
		}
		if receipt.Status != models.MessageStatusSent {
			t.Errorf("expected receipt.Status %s, got %s", models.MessageStatusSent, receipt.Status)
		}
	default:
		t.Fatal("expected receipt, got none")
	}
	if sent := mockClient.Messages(); len(sent) != 1 || sent[0].To != "+971501234567" {
		t.Errorf("unexpected sends %+v", sent)
	}
}

// Test Start and Stop do not error and close channels
func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient(), "")
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if _, ok := <-svc.Receipts(); ok {
		t.Error("expected receipts channel closed")
	}
	if _, ok := <-svc.Responses(); ok {
		t.Error("expected responses channel closed")
	}
	if err := svc.SendMessage(context.Background(), "+971501234567", "late"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

// fakeEventClient is a sender that can also deliver whatsmeow events.
type fakeEventClient struct {
	*whatsapp.MockClient
	handler func(evt interface{})
}

func (f *fakeEventClient) AddEventHandler(fn func(evt interface{})) {
	f.handler = fn
}

func TestWhatsAppService_InboundEvents(t *testing.T) {
	client := &fakeEventClient{MockClient: whatsapp.NewMockClient()}
	svc := NewWhatsAppService(client, "")
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if client.handler == nil {
		t.Fatal("expected event handler to be registered")
	}

	text := "yes"
	evt := &events.Message{Message: &waE2E.Message{Conversation: &text}}
	evt.Info.Sender = types.NewJID("971501234567", types.DefaultUserServer)
	evt.Info.ID = "wamid.1"
	evt.Info.PushName = "Layla"
	evt.Info.Timestamp = time.Now()
	client.handler(evt)

	select {
	case resp := <-svc.Responses():
		if resp.From != "+971501234567" || resp.Body != "yes" || resp.MessageID != "wamid.1" || resp.ProfileName != "Layla" {
			t.Errorf("unexpected response %+v", resp)
		}
	default:
		t.Fatal("expected inbound response")
	}

	receipt := &events.Receipt{Type: events.ReceiptTypeRead, Timestamp: time.Now()}
	receipt.MessageSource.Sender = types.NewJID("971501234567", types.DefaultUserServer)
	client.handler(receipt)
	select {
	case r := <-svc.Receipts():
		if r.Status != models.MessageStatusRead || r.To != "+971501234567" {
			t.Errorf("unexpected receipt %+v", r)
		}
	default:
		t.Fatal("expected read receipt")
	}
}
