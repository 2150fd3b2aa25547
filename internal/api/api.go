// Package api provides the HTTP surface of LeadPipe.
//
// It receives Twilio WhatsApp webhooks and runs them through the dialogue engine,
// and exposes health, statistics and per-conversation operator endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/engine"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultHealthTimeout bounds the store ping of the health check.
	DefaultHealthTimeout = 5 * time.Second
	// ServiceName is reported by the index and health endpoints.
	ServiceName = "LeadPipe"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	engine      *engine.Engine
	health      Pinger
	dedup       store.DedupRepo
	dispatcher  *messaging.Dispatcher
	validator   *twiliowhatsapp.SignatureValidator
	countryCode string
	startedAt   time.Time
}

// Opts holds the optional server collaborators.
type Opts struct {
	Health      Pinger
	Dedup       store.DedupRepo
	Dispatcher  *messaging.Dispatcher
	Validator   *twiliowhatsapp.SignatureValidator
	CountryCode string
}

// Option configures a Server.
type Option func(*Opts)

// WithHealthCheck pings p on GET /health.
func WithHealthCheck(p Pinger) Option {
	return func(o *Opts) { o.Health = p }
}

// WithDedupLedger records every webhook delivery in d.
func WithDedupLedger(d store.DedupRepo) Option {
	return func(o *Opts) { o.Dedup = d }
}

// WithDispatcher switches webhook replies from inline TwiML to d.
func WithDispatcher(d *messaging.Dispatcher) Option {
	return func(o *Opts) { o.Dispatcher = d }
}

// WithSignatureValidator rejects webhook requests not signed by Twilio.
func WithSignatureValidator(v *twiliowhatsapp.SignatureValidator) Option {
	return func(o *Opts) { o.Validator = v }
}

// WithCountryCode sets the country code assumed for phone numbers without one.
func WithCountryCode(cc string) Option {
	return func(o *Opts) { o.CountryCode = cc }
}

// NewServer creates a Server around the dialogue engine.
func NewServer(eng *engine.Engine, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		engine:      eng,
		health:      cfg.Health,
		dedup:       cfg.Dedup,
		dispatcher:  cfg.Dispatcher,
		validator:   cfg.Validator,
		countryCode: cfg.CountryCode,
		startedAt:   time.Now(),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.webhookHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/stats", s.statsHandler)
	mux.HandleFunc("/conversations/", s.conversationsHandler)
	mux.HandleFunc("/", s.indexHandler)
	return mux
}

// Run serves the API on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
