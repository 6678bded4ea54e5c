package config

import (
	"testing"
	"time"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("unexpected log defaults: %+v", cfg.Log)
	}
	if cfg.Automation.WebhookTimeout != 30*time.Second {
		t.Errorf("webhook timeout = %v, want 30s", cfg.Automation.WebhookTimeout)
	}
	if cfg.Automation.DateTriggerHourUTC != 6 {
		t.Errorf("date trigger hour = %d, want 6", cfg.Automation.DateTriggerHourUTC)
	}
	if !cfg.Automation.CircuitBreaker.Enabled || cfg.Automation.CircuitBreaker.MaxFailures != 5 {
		t.Errorf("unexpected breaker defaults: %+v", cfg.Automation.CircuitBreaker)
	}
	if cfg.Monitoring.Tracing.Enabled {
		t.Error("tracing should be off by default")
	}
}

func TestInitLogger_InvalidLevelFallsBack(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Log.Level = "chatty"

	if err := InitLogger(cfg); err != nil {
		t.Fatalf("InitLogger() error: %v", err)
	}
}

func TestInitLogger_TextFormat(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Log.Format = "text"
	cfg.Log.Output = "stdout"

	if err := InitLogger(cfg); err != nil {
		t.Fatalf("InitLogger() error: %v", err)
	}
}
