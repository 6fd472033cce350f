package config_test

import (
	"os"
	"testing"

	"github.com/airaware/ingest/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"BUS_URL", "TOPIC", "QOS", "CLIENT_ID", "DB_URL", "DB_NAME",
		"EMAIL_ENABLED", "SMTP_HOST", "SMTP_PORT", "ALERT_EMAIL_RECIPIENTS",
		"SMS_ENABLED", "SMS_PROVIDER_SID", "SMS_PROVIDER_TOKEN", "SMS_RECIPIENTS",
		"SLACK_WEBHOOK_URL", "DISCORD_WEBHOOK_URL",
		"VAPID_PUBLIC_KEY", "VAPID_PRIVATE_KEY",
		"LOG_LEVEL", "NOTIFIER_REPLAY_UNRESOLVED",
	} {
		os.Unsetenv(k)
	}
}

func TestLoad_MissingDBURL_ReturnsError(t *testing.T) {
	clearEnv(t)
	_, err := config.Load()
	if err == nil {
		t.Fatal("expected error when DB_URL is unset")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("DB_URL", "postgres://localhost/airaware")
	defer os.Unsetenv("DB_URL")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BusURL != "tcp://localhost:1883" {
		t.Errorf("expected default BUS_URL, got %q", cfg.BusURL)
	}
	if cfg.Topic != "airaware/sensors" {
		t.Errorf("expected default TOPIC, got %q", cfg.Topic)
	}
	if cfg.QoS != 1 {
		t.Errorf("expected default QOS=1, got %d", cfg.QoS)
	}
	if cfg.ClientID == "" {
		t.Error("expected a generated CLIENT_ID")
	}
	if cfg.NotifierReplayUnresolved {
		t.Error("expected NotifierReplayUnresolved to default to false")
	}
}

func TestLoad_EmailEnabledRequiresSMTPHostAndRecipients(t *testing.T) {
	clearEnv(t)
	os.Setenv("DB_URL", "postgres://localhost/airaware")
	os.Setenv("EMAIL_ENABLED", "true")
	defer clearEnv(t)

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected error when EMAIL_ENABLED=true without SMTP_HOST/recipients")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	clearEnv(t)
	os.Setenv("DB_URL", "postgres://localhost/airaware")
	os.Setenv("LOG_LEVEL", "verbose")
	defer clearEnv(t)

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected error for invalid LOG_LEVEL")
	}
}

func TestLoad_ChatAndPushEnabled(t *testing.T) {
	clearEnv(t)
	os.Setenv("DB_URL", "postgres://localhost/airaware")
	os.Setenv("SLACK_WEBHOOK_URL", "https://hooks.slack.test/x")
	os.Setenv("VAPID_PUBLIC_KEY", "pub")
	os.Setenv("VAPID_PRIVATE_KEY", "priv")
	defer clearEnv(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.ChatEnabled() {
		t.Error("expected ChatEnabled() true when SLACK_WEBHOOK_URL is set")
	}
	if !cfg.PushEnabled() {
		t.Error("expected PushEnabled() true when VAPID keys are set")
	}
}
