package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/LeadPipe/internal/clarify"
	"github.com/BTreeMap/LeadPipe/internal/config"
	"github.com/BTreeMap/LeadPipe/internal/engine"
	"github.com/BTreeMap/LeadPipe/internal/flow"
	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/lockfile"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/LeadPipe/internal/whatsapp"
)

// app holds the components shared by the serve and outreach commands.
type app struct {
	cfg     *config.Config
	store   store.ConversationStore
	flows   *flow.Loader
	engine  *engine.Engine
	closers []func() error
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// openApp locks the state directory (for file-backed stores), opens the store and the
// flows, and builds the engine. command names the holder in the lock file.
func openApp(ctx context.Context, cfg *config.Config, command string) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	dsn := cfg.StoreDSN()
	if dsn != config.MemoryDSN && store.DetectDSNType(dsn) == "sqlite3" {
		lock, err := lockfile.Acquire(cfg.StateDir, command)
		if err != nil {
			return nil, err
		}
		a.onClose(lock.Release)
	}

	st, err := openStore(dsn)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.onClose(st.Close)

	a.flows = flow.NewLoader(cfg.FlowDir)
	if err := a.flows.Preload(ctx, cfg.ProductKey); err != nil {
		return nil, fmt.Errorf("load default flow: %w", err)
	}

	engineOpts := []engine.Option{
		engine.WithProductKey(cfg.ProductKey),
		engine.WithMaxClarificationAttempts(cfg.MaxClarificationAttempts),
	}

	resolver, err := buildResolver(ctx, cfg)
	if err != nil {
		return nil, err
	}
	engineOpts = append(engineOpts, engine.WithResolver(resolver))

	if cfg.RedisURL != "" {
		rdb, err := engine.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.onClose(rdb.Close)
		engineOpts = append(engineOpts, engine.WithLocker(engine.NewRedisLocker(rdb, engine.DefaultRedisLockTTL)))
		slog.Info("openApp: using Redis conversation lock")
	}

	audit, err := store.NewAuditLog(cfg.AuditDirectory())
	if err != nil {
		return nil, err
	}
	a.onClose(audit.Close)
	engineOpts = append(engineOpts, engine.WithAuditLog(audit))

	a.engine = engine.New(a.flows, st, engineOpts...)
	ok = true
	return a, nil
}

// openStore picks the conversation store backend from the DSN.
func openStore(dsn string) (store.ConversationStore, error) {
	switch {
	case dsn == config.MemoryDSN:
		slog.Warn("openStore: using in-memory store, conversations will not survive a restart")
		return store.NewInMemoryStore(), nil
	case store.DetectDSNType(dsn) == "postgres":
		slog.Debug("openStore: PostgreSQL store selected")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	default:
		slog.Debug("openStore: SQLite store selected", "path", dsn)
		return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	}
}

// buildResolver returns the clarification resolver for the configured clarifier.
func buildResolver(ctx context.Context, cfg *config.Config) (*clarify.Resolver, error) {
	var gen genai.Generator
	switch cfg.Clarifier {
	case config.ClarifierOpenAI:
		opts := []genai.Option{
			genai.WithAPIKey(cfg.OpenAIAPIKey),
			genai.WithDebugMode(cfg.ClarifierDebug, cfg.StateDir),
		}
		if cfg.OpenAIModel != "" {
			opts = append(opts, genai.WithModel(cfg.OpenAIModel))
		}
		client, err := genai.NewClient(opts...)
		if err != nil {
			return nil, err
		}
		gen = client
	case config.ClarifierGemini:
		client, err := genai.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
		gen = client
	default:
		slog.Info("buildResolver: clarification disabled, ambiguous replies get the deterministic reprompt")
		return clarify.NewResolver(clarify.Disabled()), nil
	}
	slog.Info("buildResolver: clarification enabled", "clarifier", cfg.Clarifier, "timeout", cfg.ClarifyTimeout)
	return clarify.NewResolver(clarify.Enabled(gen, cfg.ClarifyTimeout)), nil
}

// transportFlags are the whatsmeow login settings.
type transportFlags struct {
	qrOutput    string
	numericCode bool
}

// openMessaging builds the outbound transport. For Twilio without credentials it
// returns nil: replies can then only travel inline as TwiML.
func (a *app) openMessaging(ctx context.Context, tf transportFlags) (messaging.Service, error) {
	cfg := a.cfg
	switch cfg.Transport {
	case config.TransportWhatsmeow:
		opts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.WhatsAppDSN())}
		if tf.qrOutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(tf.qrOutput))
		}
		if tf.numericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, err
		}
		a.onClose(func() error {
			client.Disconnect()
			return nil
		})
		return messaging.NewWhatsAppService(client, cfg.CountryCode), nil
	default:
		if !cfg.HasTwilioCredentials() {
			slog.Info("openMessaging: no Twilio credentials, outbound sends disabled")
			return nil, nil
		}
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(cfg.TwilioFromNumber),
		)
		if err != nil {
			return nil, err
		}
		opts := []messaging.TwilioOption{messaging.WithCountryCode(cfg.CountryCode)}
		if cfg.TwilioSandbox {
			opts = append(opts, messaging.WithSandboxRecipient(cfg.TestRecipientNumber))
		}
		return messaging.NewTwilioService(client, opts...), nil
	}
}
