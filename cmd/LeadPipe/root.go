package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/LeadPipe/internal/config"
	"github.com/BTreeMap/LeadPipe/internal/logging"
)

// globalFlags override the corresponding environment settings when set.
type globalFlags struct {
	stateDir   string
	dbDSN      string
	flowDir    string
	productKey string
	logLevel   string
}

// cli carries the configuration resolved before any subcommand runs.
type cli struct {
	flags globalFlags
	cfg   *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "LeadPipe",
		Short: "WhatsApp lead qualification through configurable dialogue flows",
		Long: `LeadPipe talks to prospective borrowers over WhatsApp, walks them through a
product's qualification flow and hands qualified leads a booking link.

Without a subcommand it serves the webhook API.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.loadConfig(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), c.cfg, serveFlags{})
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.stateDir, "state-dir", "", "state directory (overrides $LEADPIPE_STATE_DIR)")
	pf.StringVar(&c.flags.dbDSN, "db-dsn", "", "conversation store DSN: postgres URL, SQLite path or \"memory\" (overrides $DATABASE_URL)")
	pf.StringVar(&c.flags.flowDir, "flow-dir", "", "directory holding <product>.flow.json|yaml documents (overrides $FLOW_DIR)")
	pf.StringVar(&c.flags.productKey, "product", "", "product whose flow new conversations use (overrides $PRODUCT_KEY)")
	pf.StringVar(&c.flags.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides $LOG_LEVEL)")

	root.AddCommand(
		newServeCmd(c),
		newFlowCmd(c),
		newOutreachCmd(c),
		newStatsCmd(c),
	)
	return root
}

func (c *cli) loadConfig(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	c.applyFlags(cfg)
	logging.Setup(cfg.LogLevel)
	slog.Debug("configuration resolved", "command", cmd.Name(), "config", cfg)
	c.cfg = cfg
	return nil
}

func (c *cli) applyFlags(cfg *config.Config) {
	if c.flags.stateDir != "" {
		cfg.StateDir = c.flags.stateDir
	}
	if c.flags.dbDSN != "" {
		cfg.DatabaseURL = c.flags.dbDSN
	}
	if c.flags.flowDir != "" {
		cfg.FlowDir = c.flags.flowDir
	}
	if c.flags.productKey != "" {
		cfg.ProductKey = c.flags.productKey
	}
	if c.flags.logLevel != "" {
		cfg.LogLevel = c.flags.logLevel
	}
}
