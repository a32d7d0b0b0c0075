package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewDefaultServerConfigIsValid(t *testing.T) {
	cfg := NewDefaultServerConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.RateLimit.Strategy != StrategySlidingLog {
		t.Fatalf("expected sliding_log default, got %q", cfg.RateLimit.Strategy)
	}
	if cfg.RateLimit.RequestsPerMinute != 10 || cfg.RateLimit.RequestsPerHour != 120 {
		t.Fatalf("unexpected default limits: %d/%d", cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.RequestsPerHour)
	}
	if cfg.Tokenizer.DefaultModel == "" {
		t.Fatal("expected default tokenizer model")
	}
}

func TestLoadOrCreateWritesDefaultAndRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owuid.toml")
	cfg, err := LoadOrCreateServerConfig(path)
	if err != nil {
		t.Fatalf("load or create: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to exist: %v", err)
	}

	cfg.APIKeys = []string{"sk-test", " ", "sk-test"}
	cfg.Providers = []ProviderConfig{{
		Name:    "openrouter",
		Type:    ProviderTypeOpenRouter,
		BaseURL: "https://openrouter.ai/api/v1/",
		Models:  []string{"anthropic/claude-3.7-sonnet"},
	}}
	cfg.Normalize()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.APIKeys) != 1 || loaded.APIKeys[0] != "sk-test" {
		t.Fatalf("expected deduplicated api keys, got %v", loaded.APIKeys)
	}
	if len(loaded.Providers) != 1 {
		t.Fatalf("expected 1 provider, got %d", len(loaded.Providers))
	}
	if strings.HasSuffix(loaded.Providers[0].BaseURL, "/") {
		t.Fatalf("expected trimmed base url, got %q", loaded.Providers[0].BaseURL)
	}
	if loaded.Providers[0].TimeoutSeconds != 600 {
		t.Fatalf("expected default provider timeout, got %d", loaded.Providers[0].TimeoutSeconds)
	}
}

func TestValidateRejectsBadStrategyAndProvider(t *testing.T) {
	cfg := NewDefaultServerConfig()
	cfg.RateLimit.Strategy = "leaky_bucket"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown strategy")
	}

	cfg = NewDefaultServerConfig()
	cfg.Providers = []ProviderConfig{{Name: "x", Type: "bogus", BaseURL: "https://example.com"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown provider type")
	}

	cfg = NewDefaultServerConfig()
	cfg.Providers = []ProviderConfig{
		{Name: "a", Type: ProviderTypeGemini, BaseURL: "https://example.com"},
		{Name: "a", Type: ProviderTypeGemini, BaseURL: "https://example.com"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate provider name")
	}
}

func TestStoreUpdatePersistsAndIsolatesSnapshots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owuid.toml")
	store := NewStore(path, NewDefaultServerConfig())

	if err := store.Update(func(c *ServerConfig) error {
		c.RateLimit.Whitelist = append(c.RateLimit.Whitelist, "admin-user")
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	snap := store.Snapshot()
	snap.RateLimit.Whitelist[0] = "mutated"
	if got := store.Snapshot().RateLimit.Whitelist[0]; got != "admin-user" {
		t.Fatalf("snapshot mutation leaked into store: %q", got)
	}

	loaded, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load persisted config: %v", err)
	}
	if len(loaded.RateLimit.Whitelist) != 1 || loaded.RateLimit.Whitelist[0] != "admin-user" {
		t.Fatalf("expected persisted whitelist, got %v", loaded.RateLimit.Whitelist)
	}
}
