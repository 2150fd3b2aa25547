package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/engine"
	"github.com/BTreeMap/LeadPipe/internal/flow"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// resetRequest is the optional body of POST /conversations/{phone}/reset.
type resetRequest struct {
	ProductKey string `json:"product_key"`
}

// conversationsHandler routes /conversations/{phone}[/booked|/reset].
func (s *Server) conversationsHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/conversations/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
		return
	}

	phone, err := util.CanonicalizePhone(parts[0], s.countryCode)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid phone number"))
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	switch action {
	case "":
		s.getConversationHandler(w, r, phone)
	case "booked":
		s.markBookedHandler(w, r, phone)
	case "reset":
		s.resetConversationHandler(w, r, phone)
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
	}
}

// getConversationHandler returns the contact's current conversation (GET /conversations/{phone}).
func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request, phone string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	conv, err := s.engine.Conversation(r.Context(), phone)
	if err != nil {
		writeEngineError(w, "Server.getConversationHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(conv))
}

// markBookedHandler records a booked consultation (POST /conversations/{phone}/booked).
func (s *Server) markBookedHandler(w http.ResponseWriter, r *http.Request, phone string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	conv, err := s.engine.MarkBooked(r.Context(), phone)
	if err != nil {
		writeEngineError(w, "Server.markBookedHandler", err)
		return
	}
	slog.Info("Server.markBookedHandler: booked", "phone", phone)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Consultation booked", conv))
}

// resetConversationHandler starts the contact over (POST /conversations/{phone}/reset).
// The body may name a product to switch to.
func (s *Server) resetConversationHandler(w http.ResponseWriter, r *http.Request, phone string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req resetRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			slog.Warn("Server.resetConversationHandler: invalid body", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON body"))
			return
		}
	}

	conv, err := s.engine.Reset(r.Context(), phone, strings.TrimSpace(req.ProductKey))
	if err != nil {
		writeEngineError(w, "Server.resetConversationHandler", err)
		return
	}
	slog.Info("Server.resetConversationHandler: reset", "phone", phone, "product", conv.ProductKey)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation reset", conv))
}

// writeEngineError maps engine and store errors to HTTP statuses.
func writeEngineError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrConversationNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
	case errors.Is(err, engine.ErrNotQualified):
		writeJSONResponse(w, http.StatusConflict, models.Error("Conversation is not qualified"))
	case errors.Is(err, flow.ErrFlowNotFound):
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown product"))
	case store.IsRetryable(err):
		slog.Error(op+": store unavailable", "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Service temporarily unavailable"))
	default:
		slog.Error(op+": failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}
