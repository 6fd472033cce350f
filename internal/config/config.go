// Package config loads and validates the ingestion service's runtime
// configuration from environment variables, with fail-fast validation
// mirroring the teacher's YAML-loader shape (LoadConfig/applyDefaults/
// validate, errors.Join'd into a single reported failure).
package config

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the top-level configuration for the AirAware ingestion service.
type Config struct {
	// Bus connection.
	BusURL   string
	Topic    string
	QoS      byte
	ClientID string

	// Datastore.
	DBURL  string
	DBName string

	// Email channel.
	EmailEnabled         bool
	SMTPHost             string
	SMTPPort             int
	SMTPUser             string
	SMTPPass             string
	SMTPStartTLS         bool
	SMTPFrom             string
	AlertEmailRecipients []string

	// SMS channel.
	SMSEnabled      bool
	SMSProviderSID  string
	SMSProviderTok  string
	SMSProviderFrom string
	SMSRecipients   []string

	// Chat channels.
	SlackWebhookURL   string
	DiscordWebhookURL string

	// Web Push.
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string

	DashboardURL string
	LogLevel     string

	// RulesPath is the optional YAML document of per-sensor threshold
	// overrides (§4.D). Empty means "no overrides; use built-in bands".
	RulesPath string

	// NotifierReplayUnresolved controls whether unresolved alerts are
	// re-enqueued to the notifier on startup (open question, §9; default
	// off per DESIGN.md).
	NotifierReplayUnresolved bool

	// Control surface (§4.G). ControlAddr is the listen address for the
	// operator HTTP API. JWTPublicKeyPEM is the PEM-encoded RSA public key
	// used to verify control-surface Bearer tokens; empty disables auth
	// (used by tests that cover routing/handlers only).
	ControlAddr     string
	JWTPublicKeyPEM string

	// NotifierQueuePath is the SQLite database file backing the durable
	// notification queue.
	NotifierQueuePath string

	// Worker pool and timing overrides (§5); zero means "use the package
	// default".
	PipelineWorkers int
	NotifierWorkers int
	SweepInterval   time.Duration
	ShutdownGrace   time.Duration
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envCSV(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads configuration from the process environment, applies defaults,
// and validates required fields. It returns a joined error describing every
// validation failure encountered (errors.Join), matching the teacher's
// config-loading convention.
func Load() (*Config, error) {
	cfg := &Config{
		BusURL:       envOr("BUS_URL", "tcp://localhost:1883"),
		Topic:        envOr("TOPIC", "airaware/sensors"),
		QoS:          byte(envInt("QOS", 1)),
		ClientID:     envOr("CLIENT_ID", ""),
		DBURL:        os.Getenv("DB_URL"),
		DBName:       envOr("DB_NAME", "AirAwareDB"),
		EmailEnabled: envBool("EMAIL_ENABLED", false),
		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     envInt("SMTP_PORT", 587),
		SMTPUser:     os.Getenv("SMTP_USER"),
		SMTPPass:     os.Getenv("SMTP_PASS"),
		SMTPStartTLS: envBool("SMTP_STARTTLS", true),
		SMTPFrom:     envOr("SMTP_FROM", "alerts@airaware.example"),

		AlertEmailRecipients: envCSV("ALERT_EMAIL_RECIPIENTS"),

		SMSEnabled:      envBool("SMS_ENABLED", false),
		SMSProviderSID:  os.Getenv("SMS_PROVIDER_SID"),
		SMSProviderTok:  os.Getenv("SMS_PROVIDER_TOKEN"),
		SMSProviderFrom: os.Getenv("SMS_PROVIDER_FROM"),
		SMSRecipients:   envCSV("SMS_RECIPIENTS"),

		SlackWebhookURL:   os.Getenv("SLACK_WEBHOOK_URL"),
		DiscordWebhookURL: os.Getenv("DISCORD_WEBHOOK_URL"),

		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubject:    envOr("VAPID_SUBJECT", "mailto:ops@airaware.example"),

		DashboardURL: os.Getenv("DASHBOARD_URL"),
		LogLevel:     envOr("LOG_LEVEL", "info"),
		RulesPath:    os.Getenv("RULES_PATH"),

		NotifierReplayUnresolved: envBool("NOTIFIER_REPLAY_UNRESOLVED", false),

		ControlAddr:       envOr("CONTROL_ADDR", ":8090"),
		JWTPublicKeyPEM:   os.Getenv("JWT_PUBLIC_KEY"),
		NotifierQueuePath: envOr("NOTIFIER_QUEUE_PATH", "airaware-notifier-queue.db"),

		PipelineWorkers: envInt("PIPELINE_WORKERS", 0),
		NotifierWorkers: envInt("NOTIFIER_WORKERS", 0),
		SweepInterval:   envDuration("SWEEP_INTERVAL", 0),
		ShutdownGrace:   envDuration("SHUTDOWN_GRACE", 30*time.Second),
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("airaware-%08x", rand.New(rand.NewSource(time.Now().UnixNano())).Uint32())
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validate checks required fields and enumerated values, mirroring the
// teacher's errors.Join-based aggregate reporting so a single run surfaces
// every misconfiguration instead of stopping at the first one.
func validate(cfg *Config) error {
	var errs []error

	if cfg.BusURL == "" {
		errs = append(errs, errors.New("BUS_URL is required"))
	}
	if cfg.Topic == "" {
		errs = append(errs, errors.New("TOPIC is required"))
	}
	if cfg.QoS > 2 {
		errs = append(errs, fmt.Errorf("QOS %d must be 0, 1, or 2", cfg.QoS))
	}
	if cfg.DBURL == "" {
		errs = append(errs, errors.New("DB_URL is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.EmailEnabled {
		if cfg.SMTPHost == "" {
			errs = append(errs, errors.New("SMTP_HOST is required when EMAIL_ENABLED=true"))
		}
		if len(cfg.AlertEmailRecipients) == 0 {
			errs = append(errs, errors.New("ALERT_EMAIL_RECIPIENTS is required when EMAIL_ENABLED=true"))
		}
	}

	if cfg.SMSEnabled {
		if cfg.SMSProviderSID == "" || cfg.SMSProviderTok == "" {
			errs = append(errs, errors.New("SMS_PROVIDER_SID and SMS_PROVIDER_TOKEN are required when SMS_ENABLED=true"))
		}
		if len(cfg.SMSRecipients) == 0 {
			errs = append(errs, errors.New("SMS_RECIPIENTS is required when SMS_ENABLED=true"))
		}
	}

	if cfg.VAPIDPublicKey != "" && cfg.VAPIDPrivateKey == "" {
		errs = append(errs, errors.New("VAPID_PRIVATE_KEY is required when VAPID_PUBLIC_KEY is set"))
	}

	if cfg.ControlAddr == "" {
		errs = append(errs, errors.New("CONTROL_ADDR must not be empty"))
	}

	return errors.Join(errs...)
}

// ChatEnabled reports whether at least one chat webhook is configured;
// presence of either URL implies that channel is enabled (§6).
func (c *Config) ChatEnabled() bool {
	return c.SlackWebhookURL != "" || c.DiscordWebhookURL != ""
}

// PushEnabled reports whether Web Push is configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}
