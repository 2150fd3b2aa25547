package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/LeadPipe/internal/outreach"
)

// ErrOutreachCancelled is returned when the operator declines the confirmation prompt.
var ErrOutreachCancelled = errors.New("outreach cancelled")

type outreachFlags struct {
	roster string
	limit  int
	delay  time.Duration
	dryRun bool
	yes    bool
	transportFlags
}

func newOutreachCmd(c *cli) *cobra.Command {
	var f outreachFlags
	cmd := &cobra.Command{
		Use:   "outreach",
		Short: "Send the opening message to every new contact in a CSV roster",
		Long: `Reads a CSV roster with the columns full_name, phone_number and optionally
product, starts a conversation for each contact that has none yet and sends the
flow's opening message.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOutreach(cmd, c, f)
		},
	}
	cmd.Flags().StringVar(&f.roster, "roster", "", "CSV roster path")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "maximum number of contacts to message (0 = all)")
	cmd.Flags().DurationVar(&f.delay, "delay", outreach.DefaultDelay, "pause between messages")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "log the messages without sending or creating conversations")
	cmd.Flags().BoolVar(&f.yes, "yes", false, "skip the confirmation prompt")
	cmd.Flags().StringVar(&f.qrOutput, "qr-output", "", "path to write the WhatsApp login QR code (whatsmeow transport)")
	cmd.Flags().BoolVar(&f.numericCode, "numeric-code", false, "print the WhatsApp login code instead of a QR code (whatsmeow transport)")
	_ = cmd.MarkFlagRequired("roster")
	return cmd
}

func runOutreach(cmd *cobra.Command, c *cli, f outreachFlags) error {
	cfg := c.cfg
	if err := cfg.Validate(!f.dryRun); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	contacts, skipped, err := outreach.ReadRosterFile(f.roster, cfg.CountryCode)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, s := range skipped {
		fmt.Fprintf(out, "skipping roster %s\n", s.Error())
	}
	if len(contacts) == 0 {
		fmt.Fprintln(out, "No contacts to message.")
		return nil
	}

	if !f.yes {
		ok, err := confirm(cmd.InOrStdin(), out, f, len(contacts))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "Outreach cancelled.")
			return ErrOutreachCancelled
		}
	}

	ctx := cmd.Context()
	a, err := openApp(ctx, cfg, "outreach")
	if err != nil {
		return err
	}
	defer a.Close()

	var sender outreach.Sender
	if !f.dryRun {
		svc, err := a.openMessaging(ctx, f.transportFlags)
		if err != nil {
			return err
		}
		if svc == nil {
			return errors.New("no outbound transport configured")
		}
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start messaging: %w", err)
		}
		defer svc.Stop()
		go func() {
			for range svc.Receipts() {
			}
		}()
		sender = svc
	}

	campaign := outreach.NewCampaign(a.engine, sender,
		outreach.WithProductKey(cfg.ProductKey),
		outreach.WithLimit(f.limit),
		outreach.WithDelay(f.delay),
		outreach.WithDryRun(f.dryRun),
	)
	summary, runErr := campaign.Run(ctx, contacts)

	fmt.Fprintf(out, "\nOutreach complete\n  Total:   %d\n  Sent:    %d\n  Skipped: %d\n  Failed:  %d\n  Success: %.1f%%\n",
		summary.Total, summary.Sent, summary.Skipped, summary.Failed, summary.SuccessRate())
	if summary.DryRun {
		fmt.Fprintln(out, "  (dry run: nothing was sent)")
	}
	return runErr
}

// confirm asks the operator to type "yes" before messages go out.
func confirm(in io.Reader, out io.Writer, f outreachFlags, contacts int) (bool, error) {
	limit := "all"
	if f.limit > 0 {
		limit = fmt.Sprint(f.limit)
	}
	fmt.Fprintf(out, "This will message %s of %d contacts over WhatsApp.\n  Delay:   %s\n  Dry-run: %t\nProceed? (yes/no): ", limit, contacts, f.delay, f.dryRun)

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	return strings.EqualFold(strings.TrimSpace(line), "yes"), nil
}
