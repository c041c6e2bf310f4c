package config

import (
	"testing"
	"time"
)

func TestLoadRequiresSigningSecret(testContext *testing.T) {
	configViper := NewViper()
	if _, err := Load(configViper); err == nil {
		testContext.Fatalf("expected missing signing secret to fail")
	}

	configViper.Set("auth.signing_secret", "secret")
	cfg, err := Load(configViper)
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		testContext.Fatalf("expected default address, got %s", cfg.HTTPAddress)
	}
	if cfg.TokenTTL != defaultTokenTTL {
		testContext.Fatalf("expected default token ttl, got %s", cfg.TokenTTL)
	}
	if cfg.HostID == "" {
		testContext.Fatalf("expected host id to default to the hostname")
	}
}

func TestLoadAgentAppliesDefaults(testContext *testing.T) {
	configViper := NewViper()
	ApplyAgentDefaults(configViper)
	configViper.Set("server.url", "http://localhost:8080/")
	configViper.Set("auth.token", "token")
	configViper.Set("workspace.id", "ws-1")
	configViper.Set("user.id", "user-1")
	configViper.Set("database.path", "replica.db")

	cfg, err := LoadAgent(configViper)
	if err != nil {
		testContext.Fatalf("load agent failed: %v", err)
	}
	if cfg.ServerURL != "http://localhost:8080" {
		testContext.Fatalf("expected trailing slash trimmed, got %s", cfg.ServerURL)
	}
	if cfg.InteractionDebounce != 5*time.Minute {
		testContext.Fatalf("expected 5m debounce, got %s", cfg.InteractionDebounce)
	}
	if cfg.OutboxMaxRetries != 0 {
		testContext.Fatalf("expected unbounded retries by default, got %d", cfg.OutboxMaxRetries)
	}
}

func TestLoadAgentRejectsInvertedBackoff(testContext *testing.T) {
	configViper := NewViper()
	ApplyAgentDefaults(configViper)
	configViper.Set("server.url", "http://localhost:8080")
	configViper.Set("auth.token", "token")
	configViper.Set("workspace.id", "ws-1")
	configViper.Set("user.id", "user-1")
	configViper.Set("backoff.base_delay", "10m")
	configViper.Set("backoff.max_delay", "1m")

	if _, err := LoadAgent(configViper); err == nil {
		testContext.Fatalf("expected inverted backoff delays to fail")
	}
}
