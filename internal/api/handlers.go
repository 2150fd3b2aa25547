package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// indexHandler lists the available endpoints (GET /).
func (s *Server) indexHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"service": ServiceName,
		"product": s.engine.ProductKey(),
		"endpoints": map[string]string{
			"webhook":       "POST /webhook",
			"health":        "GET /health",
			"stats":         "GET /stats",
			"conversation":  "GET /conversations/{phone}",
			"mark_booked":   "POST /conversations/{phone}/booked",
			"reset_contact": "POST /conversations/{phone}/reset",
		},
	})
}

// healthHandler reports service health (GET /health). The store is pinged when one
// is configured; an unreachable store reports degraded with 503.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	status, code := "healthy", http.StatusOK
	storeStatus := "not_configured"
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), DefaultHealthTimeout)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			slog.Warn("Server.healthHandler: store ping failed", "error", err)
			status, code, storeStatus = "degraded", http.StatusServiceUnavailable, "unreachable"
		} else {
			storeStatus = "ok"
		}
	}

	writeJSONResponse(w, code, map[string]interface{}{
		"status":    status,
		"service":   ServiceName,
		"store":     storeStatus,
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// statsHandler returns conversation counts by status (GET /stats).
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		writeEngineError(w, "Server.statsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}
