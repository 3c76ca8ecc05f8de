package config

import (
	"testing"
	"time"
)

func TestLoadWorkerDefaults(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://localhost/campaigner")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC1")
	t.Setenv("TWILIO_AUTH_TOKEN", "tok")
	t.Setenv("TWILIO_WHATSAPP_FROM", "whatsapp:+14155238886")

	cfg := LoadWorker()
	if cfg.DispatchPacing != time.Second {
		t.Fatalf("expected 1s pacing, got %v", cfg.DispatchPacing)
	}
	if cfg.SchedulerInterval != time.Minute {
		t.Fatalf("expected 60s scheduler interval, got %v", cfg.SchedulerInterval)
	}
	if cfg.TwilioMaxAttempts != 3 || cfg.Port != "8080" {
		t.Fatalf("unexpected defaults: attempts=%d port=%s", cfg.TwilioMaxAttempts, cfg.Port)
	}
	if cfg.Development() {
		t.Fatalf("expected production by default")
	}
}

func TestLoadAPIWithRunQueueNeedsNoTwilio(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://localhost/campaigner")
	t.Setenv("RUN_QUEUE_URL", "http://localhost:4566/000000000000/runs.fifo")
	t.Setenv("APP_ENV", "development")

	cfg := LoadAPI()
	if cfg.DefaultCountryCode != "92" || !cfg.Development() {
		t.Fatalf("unexpected config: %+v", cfg.Common)
	}
}

func TestLoadAPIInProcessRequiresTwilio(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://localhost/campaigner")
	t.Setenv("RUN_QUEUE_URL", "")
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic without Twilio credentials")
		}
	}()
	LoadAPI()
}
