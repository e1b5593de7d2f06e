package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "STORE_BACKEND", "MODEL_PROVIDER", "TURN_TIMEOUT", "RATE_LIMIT_RPS"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.StoreBackend != StoreSQLite {
		t.Fatalf("StoreBackend = %q, want sqlite", cfg.StoreBackend)
	}
	if cfg.Model.Provider != "scripted" {
		t.Fatalf("Model.Provider = %q, want scripted", cfg.Model.Provider)
	}
	if cfg.TurnTimeout != 2*time.Minute {
		t.Fatalf("TurnTimeout = %v", cfg.TurnTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Redis")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("TURN_TIMEOUT", "45s")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("SSE_KEEPALIVE_INTERVAL", "not-a-duration")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StoreBackend != StoreRedis || cfg.Redis.DB != 3 {
		t.Fatalf("redis config = %q db %d", cfg.StoreBackend, cfg.Redis.DB)
	}
	if cfg.TurnTimeout != 45*time.Second {
		t.Fatalf("TurnTimeout = %v", cfg.TurnTimeout)
	}
	if cfg.RateLimit.RPS != 2.5 {
		t.Fatalf("RateLimit.RPS = %v", cfg.RateLimit.RPS)
	}
	if cfg.SSE.KeepaliveInterval != 10*time.Second {
		t.Fatalf("bad duration should fall back, got %v", cfg.SSE.KeepaliveInterval)
	}
}

func TestValidateRejectsProviderWithoutKey(t *testing.T) {
	t.Setenv("MODEL_PROVIDER", "anthropic")
	t.Setenv("MODEL_NAME", "claude-sonnet-4-5")
	t.Setenv("ANTHROPIC_API_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a provider without an API key")
	}
}

func TestValidateRejectsUnknownStore(t *testing.T) {
	t.Setenv("STORE_BACKEND", "etcd")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for an unknown store backend")
	}
}

func TestParseAgentProfile(t *testing.T) {
	t.Parallel()

	p, err := ParseAgentProfile([]byte(`
defaults:
  model: claude-haiku
  max_tokens: 1024
  timeout: 30s
stages:
  coding:
    model: claude-sonnet
    max_tokens: 16000
    instructions: Prefer plain CSS.
`))
	if err != nil {
		t.Fatalf("ParseAgentProfile() error = %v", err)
	}

	welcome := p.For("welcome")
	if welcome.Model != "claude-haiku" || welcome.MaxTokens != 1024 || welcome.Timeout != 30*time.Second {
		t.Fatalf("welcome profile = %+v", welcome)
	}
	coding := p.For("coding")
	if coding.Model != "claude-sonnet" || coding.MaxTokens != 16000 || coding.Instructions != "Prefer plain CSS." {
		t.Fatalf("coding profile = %+v", coding)
	}
	if coding.Timeout != 30*time.Second {
		t.Fatalf("coding should inherit the default timeout, got %v", coding.Timeout)
	}
}

func TestParseAgentProfileRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	if _, err := ParseAgentProfile([]byte("stages:\n  coding:\n    temprature: 2\n")); err == nil {
		t.Fatal("expected an error for a misspelled field")
	}
}

func TestLoadAgentProfileEmptyPath(t *testing.T) {
	t.Parallel()

	p, err := LoadAgentProfile("")
	if err != nil {
		t.Fatalf("LoadAgentProfile(\"\") error = %v", err)
	}
	if p.For("coding").MaxTokens != 8192 {
		t.Fatalf("default coding max tokens = %d", p.For("coding").MaxTokens)
	}

	path := filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := LoadAgentProfile(path); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
