package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/LeadPipe/internal/api"
	"github.com/BTreeMap/LeadPipe/internal/config"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
)

// DefaultOutboxPollInterval is how often queued replies are claimed for sending.
const DefaultOutboxPollInterval = 2 * time.Second

type serveFlags struct {
	apiAddr string
	transportFlags
}

func newServeCmd(c *cli) *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the webhook API (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), c.cfg, f)
		},
	}
	cmd.Flags().StringVar(&f.apiAddr, "api-addr", "", "API listen address (overrides $API_ADDR)")
	cmd.Flags().StringVar(&f.qrOutput, "qr-output", "", "path to write the WhatsApp login QR code (whatsmeow transport)")
	cmd.Flags().BoolVar(&f.numericCode, "numeric-code", false, "print the WhatsApp login code instead of a QR code (whatsmeow transport)")
	return cmd
}

// runServe wires the engine to the configured transport and serves until ctx ends.
func runServe(ctx context.Context, cfg *config.Config, f serveFlags) error {
	if f.apiAddr != "" {
		cfg.APIAddr = f.apiAddr
	}
	if err := cfg.Validate(false); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	slog.Info("Bootstrapping LeadPipe", "config", cfg)

	a, err := openApp(ctx, cfg, "serve")
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := a.openMessaging(ctx, f.transportFlags)
	if err != nil {
		return err
	}

	dedup, _ := a.store.(store.DedupRepo)
	if dedup != nil {
		reportUnprocessed(ctx, dedup)
	}
	var outbox store.OutboxRepo
	if cfg.ReplyMode == config.ReplyModeOutbox {
		repo, ok := a.store.(store.OutboxRepo)
		if !ok {
			return fmt.Errorf("REPLY_MODE=outbox: store %T has no outbox", a.store)
		}
		outbox = repo
	}

	var dispatcher *messaging.Dispatcher
	if svc != nil && (outbox != nil || cfg.Transport == config.TransportWhatsmeow) {
		dispatcher = messaging.NewDispatcher(svc, outbox)
	}

	g, ctx := errgroup.WithContext(ctx)

	if svc != nil {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start messaging: %w", err)
		}
		defer svc.Stop()
	}

	if dispatcher != nil && dispatcher.Durable() {
		sender := store.NewOutboxSender(outbox, dispatcher.SendOutboxMessage, DefaultOutboxPollInterval)
		if err := sender.RecoverStaleMessages(ctx); err != nil {
			slog.Warn("runServe: outbox recovery failed", "error", err)
		}
		g.Go(func() error {
			sender.Run(ctx)
			return nil
		})
	}

	if svc != nil {
		// Twilio inbound arrives on the webhook; the handler then only drains receipts.
		messaging.NewResponseHandler(a.engine, svc, dispatcher, dedup).Start(ctx)
	}

	apiOpts := []api.Option{
		api.WithHealthCheck(a.store),
		api.WithCountryCode(cfg.CountryCode),
	}
	if dedup != nil {
		apiOpts = append(apiOpts, api.WithDedupLedger(dedup))
	}
	if dispatcher != nil && dispatcher.Durable() {
		apiOpts = append(apiOpts, api.WithDispatcher(dispatcher))
	}
	if cfg.TwilioValidateSignature {
		apiOpts = append(apiOpts, api.WithSignatureValidator(twiliowhatsapp.NewSignatureValidator(cfg.TwilioAuthToken, cfg.PublicBaseURL)))
	}
	server := api.NewServer(a.engine, apiOpts...)
	g.Go(func() error {
		return server.Run(ctx, cfg.APIAddr)
	})

	if err := g.Wait(); err != nil {
		slog.Error("LeadPipe stopped with error", "error", err)
		return err
	}
	slog.Info("LeadPipe exited successfully")
	return nil
}

// reportUnprocessed warns about deliveries a previous run recorded but never finished.
// The provider normally retries them; anything listed here was not retried.
func reportUnprocessed(ctx context.Context, dedup store.DedupRepo) {
	pending, err := dedup.UnprocessedInbound(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		slog.Warn("runServe: could not read the delivery ledger", "error", err)
		return
	}
	for _, rec := range pending {
		slog.Warn("runServe: delivery was never fully processed", "delivery", rec.MessageID, "phone", rec.PhoneNumber, "received", rec.ReceivedAt)
	}
}
