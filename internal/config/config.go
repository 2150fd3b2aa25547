// Package config binds LeadPipe configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	TransportTwilio    = "twilio"
	TransportWhatsmeow = "whatsmeow"

	ReplyModeTwiML  = "twiml"
	ReplyModeOutbox = "outbox"

	ClarifierDisabled = "disabled"
	ClarifierOpenAI   = "openai"
	ClarifierGemini   = "gemini"

	// MemoryDSN selects the in-memory conversation store.
	MemoryDSN = "memory"
)

// Config holds all LeadPipe settings.
type Config struct {
	ProductKey string `envconfig:"PRODUCT_KEY" default:"mortgage"`
	FlowDir    string `envconfig:"FLOW_DIR" default:"flows"`
	StateDir   string `envconfig:"LEADPIPE_STATE_DIR" default:"/var/lib/leadpipe"`
	// DatabaseURL is a Postgres DSN, a SQLite path, or "memory". Empty means SQLite in StateDir.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	APIAddr     string `envconfig:"API_ADDR" default:":8080"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	CountryCode string `envconfig:"DEFAULT_COUNTRY_CODE" default:"971"`

	Clarifier                string        `envconfig:"CLARIFIER" default:"disabled"`
	OpenAIAPIKey             string        `envconfig:"OPENAI_API_KEY"`
	OpenAIModel              string        `envconfig:"OPENAI_MODEL"`
	GeminiAPIKey             string        `envconfig:"GEMINI_API_KEY"`
	GeminiModel              string        `envconfig:"GEMINI_MODEL"`
	ClarifyTimeout           time.Duration `envconfig:"CLARIFY_TIMEOUT" default:"5s"`
	MaxClarificationAttempts int           `envconfig:"MAX_CLARIFICATION_ATTEMPTS" default:"3"`

	// ClarifierDebug records every clarifier exchange under <state>/debug.
	ClarifierDebug bool `envconfig:"CLARIFIER_DEBUG"`

	Transport               string `envconfig:"TRANSPORT" default:"twilio"`
	ReplyMode               string `envconfig:"REPLY_MODE" default:"twiml"`
	TwilioAccountSID        string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken         string `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber        string `envconfig:"TWILIO_FROM_NUMBER"`
	TwilioValidateSignature bool   `envconfig:"TWILIO_VALIDATE_SIGNATURE"`
	PublicBaseURL           string `envconfig:"PUBLIC_BASE_URL"`
	TwilioSandbox           bool   `envconfig:"TWILIO_SANDBOX"`
	TestRecipientNumber     string `envconfig:"TEST_RECIPIENT_NUMBER"`
	WhatsAppDBDSN           string `envconfig:"WHATSAPP_DB_DSN"`

	RedisURL string `envconfig:"REDIS_URL"`
	AuditDir string `envconfig:"AUDIT_DIR"`
}

// Load reads .env (if present) and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("config.Load: no .env file loaded", "error", err)
	} else {
		slog.Debug("config.Load: loaded .env file")
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Clarifier = strings.ToLower(strings.TrimSpace(c.Clarifier))
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	c.ReplyMode = strings.ToLower(strings.TrimSpace(c.ReplyMode))
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
}

// StoreDSN returns the conversation store DSN, defaulting to SQLite in the state directory.
func (c *Config) StoreDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, "leadpipe.db")
}

// WhatsAppDSN returns the whatsmeow session store DSN.
func (c *Config) WhatsAppDSN() string {
	if c.WhatsAppDBDSN != "" {
		return c.WhatsAppDBDSN
	}
	return filepath.Join(c.StateDir, "whatsmeow.db")
}

// AuditDirectory returns where the transition audit log is written.
func (c *Config) AuditDirectory() string {
	if c.AuditDir != "" {
		return c.AuditDir
	}
	return filepath.Join(c.StateDir, "audit")
}

// HasTwilioCredentials reports whether outbound Twilio sends are possible.
func (c *Config) HasTwilioCredentials() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

// Validate reports every missing or invalid setting for serving. outreach adds the
// requirements of sending the opening messages ourselves.
func (c *Config) Validate(outreach bool) error {
	var errs []error
	if c.ProductKey == "" {
		errs = append(errs, errors.New("PRODUCT_KEY is required"))
	}
	if c.MaxClarificationAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_CLARIFICATION_ATTEMPTS must be at least 1, got %d", c.MaxClarificationAttempts))
	}
	if c.ClarifyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("CLARIFY_TIMEOUT must be positive, got %s", c.ClarifyTimeout))
	}

	switch c.Clarifier {
	case ClarifierDisabled:
	case ClarifierOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required when CLARIFIER=openai"))
		}
	case ClarifierGemini:
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required when CLARIFIER=gemini"))
		}
	default:
		errs = append(errs, fmt.Errorf("CLARIFIER must be one of disabled, openai, gemini, got %q", c.Clarifier))
	}

	switch c.ReplyMode {
	case ReplyModeTwiML, ReplyModeOutbox:
	default:
		errs = append(errs, fmt.Errorf("REPLY_MODE must be twiml or outbox, got %q", c.ReplyMode))
	}
	if c.ReplyMode == ReplyModeOutbox && c.DatabaseURL == MemoryDSN {
		errs = append(errs, errors.New("REPLY_MODE=outbox needs a persistent DATABASE_URL"))
	}

	switch c.Transport {
	case TransportTwilio:
		if (c.ReplyMode == ReplyModeOutbox || outreach) && !c.HasTwilioCredentials() {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER are required to send through Twilio"))
		}
		if c.TwilioValidateSignature && (c.TwilioAuthToken == "" || c.PublicBaseURL == "") {
			errs = append(errs, errors.New("TWILIO_VALIDATE_SIGNATURE needs TWILIO_AUTH_TOKEN and PUBLIC_BASE_URL"))
		}
		if c.TwilioSandbox && c.TestRecipientNumber == "" {
			errs = append(errs, errors.New("TEST_RECIPIENT_NUMBER is required when TWILIO_SANDBOX is set"))
		}
	case TransportWhatsmeow:
	default:
		errs = append(errs, fmt.Errorf("TRANSPORT must be twilio or whatsmeow, got %q", c.Transport))
	}
	return errors.Join(errs...)
}

// LogValue renders the configuration for logs with secrets masked.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("product_key", c.ProductKey),
		slog.String("flow_dir", c.FlowDir),
		slog.String("state_dir", c.StateDir),
		slog.String("database", maskDSN(c.DatabaseURL)),
		slog.String("api_addr", c.APIAddr),
		slog.String("transport", c.Transport),
		slog.String("reply_mode", c.ReplyMode),
		slog.String("clarifier", c.Clarifier),
		slog.Duration("clarify_timeout", c.ClarifyTimeout),
		slog.Int("max_clarification_attempts", c.MaxClarificationAttempts),
		slog.String("openai_api_key", Mask(c.OpenAIAPIKey)),
		slog.String("gemini_api_key", Mask(c.GeminiAPIKey)),
		slog.String("twilio_account_sid", Mask(c.TwilioAccountSID)),
		slog.String("twilio_auth_token", Mask(c.TwilioAuthToken)),
		slog.String("twilio_from_number", c.TwilioFromNumber),
		slog.Bool("twilio_validate_signature", c.TwilioValidateSignature),
		slog.Bool("twilio_sandbox", c.TwilioSandbox),
		slog.Bool("redis", c.RedisURL != ""),
	)
}

// Mask keeps the first and last four characters of a secret.
func Mask(secret string) string {
	switch {
	case secret == "":
		return ""
	case len(secret) <= 8:
		return "****"
	default:
		return secret[:4] + "..." + secret[len(secret)-4:]
	}
}

// maskDSN hides credentials in a connection string.
func maskDSN(dsn string) string {
	if dsn == "" || dsn == MemoryDSN {
		return dsn
	}
	if at := strings.LastIndex(dsn, "@"); at != -1 {
		if scheme := strings.Index(dsn, "://"); scheme != -1 && scheme < at {
			return dsn[:scheme+3] + "****" + dsn[at:]
		}
	}
	if strings.Contains(dsn, "password=") {
		return "****"
	}
	return dsn
}
