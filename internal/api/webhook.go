package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// webhookHandler receives Twilio WhatsApp messages (POST /webhook) and answers
// verification pings (GET /webhook).
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		slog.Info("Server.webhookHandler: verification requested")
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"status":    "Webhook is active",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	case http.MethodPost:
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.webhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if s.validator != nil && !s.validator.Validate(r) {
		slog.Warn("Server.webhookHandler: invalid Twilio signature", "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	phone, err := util.CanonicalizePhone(r.PostFormValue("From"), s.countryCode)
	if err != nil {
		slog.Warn("Server.webhookHandler: invalid sender", "error", err)
		http.Error(w, "Missing or invalid From", http.StatusBadRequest)
		return
	}
	in := models.Inbound{
		PhoneNumber: phone,
		Text:        strings.TrimSpace(r.PostFormValue("Body")),
		DeliveryID:  r.PostFormValue("MessageSid"),
		ProfileName: strings.TrimSpace(r.PostFormValue("ProfileName")),
	}
	slog.Info("Server.webhookHandler: inbound message", "phone", phone, "delivery", in.DeliveryID, "body_length", len(in.Text))

	if s.dedup != nil && in.DeliveryID != "" {
		if fresh, err := s.dedup.RecordInbound(r.Context(), in.DeliveryID, phone); err != nil {
			slog.Warn("Server.webhookHandler: dedup ledger unavailable", "error", err)
		} else if !fresh {
			slog.Info("Server.webhookHandler: provider redelivery", "phone", phone, "delivery", in.DeliveryID)
		}
	}

	reply, err := s.engine.HandleInbound(r.Context(), in)
	if err != nil {
		if store.IsRetryable(err) {
			slog.Error("Server.webhookHandler: transient failure, asking provider to retry", "phone", phone, "error", err)
			http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		slog.Error("Server.webhookHandler: failed to process message", "phone", phone, "error", err)
		reply = models.Reply{PhoneNumber: phone, Messages: []string{s.engine.FallbackMessage(r.Context())}}
		in.DeliveryID = ""
	}

	messages := reply.Messages
	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(r.Context(), phone, in.DeliveryID, reply.Messages); err != nil {
			slog.Error("Server.webhookHandler: failed to queue reply", "phone", phone, "error", err)
			http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		messages = nil
	}

	doc, err := twiliowhatsapp.MessagingResponse(messages)
	if err != nil {
		slog.Error("Server.webhookHandler: failed to render TwiML", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if s.dedup != nil && in.DeliveryID != "" {
		if err := s.dedup.MarkProcessed(r.Context(), in.DeliveryID); err != nil {
			slog.Warn("Server.webhookHandler: mark processed failed", "error", err)
		}
	}
	slog.Info("Server.webhookHandler: replied", "phone", phone, "state", reply.State, "status", reply.Status, "replies", len(reply.Messages), "replayed", reply.Replayed)
	writeXMLResponse(w, http.StatusOK, doc)
}
