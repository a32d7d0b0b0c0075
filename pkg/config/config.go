package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigFileName = "owuid.toml"

	StrategySlidingLog  = "sliding_log"
	StrategyFixedWindow = "fixed_window"

	ProviderTypeOpenRouter      = "openrouter"
	ProviderTypeOpenAIResponses = "openai-responses"
	ProviderTypeGemini          = "gemini"
)

// ProviderConfig describes one upstream LLM provider adapter. The fields
// mirror the operator-tunable valves of the upstream pipes.
type ProviderConfig struct {
	Name            string   `toml:"name" json:"name"`
	Type            string   `toml:"type" json:"type"`
	BaseURL         string   `toml:"base_url" json:"base_url"`
	APIKey          string   `toml:"api_key,omitempty" json:"api_key,omitempty"`
	Models          []string `toml:"models,omitempty" json:"models,omitempty"`
	TimeoutSeconds  int      `toml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	ReasoningEffort string   `toml:"reasoning_effort,omitempty" json:"reasoning_effort,omitempty"`
	Summary         string   `toml:"summary,omitempty" json:"summary,omitempty"`
	ThinkingBudget  int      `toml:"thinking_budget,omitempty" json:"thinking_budget,omitempty"`
	EnableReasoning bool     `toml:"enable_reasoning,omitempty" json:"enable_reasoning,omitempty"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain"`
	Email    string `toml:"email"`
	CacheDir string `toml:"cache_dir"`
}

type DatabaseConfig struct {
	Path              string  `toml:"path"`
	ArchiveDir        string  `toml:"archive_dir,omitempty"`
	DefaultTokenPrice float64 `toml:"default_token_price,omitempty"`
}

type RedisConfig struct {
	Addr     string `toml:"addr,omitempty"`
	Password string `toml:"password,omitempty"`
	DB       int    `toml:"db,omitempty"`
}

type RateLimitConfig struct {
	Strategy          string   `toml:"strategy"`
	RequestsPerMinute int      `toml:"requests_per_minute"`
	RequestsPerHour   int      `toml:"requests_per_hour"`
	Whitelist         []string `toml:"whitelist,omitempty"`
}

type TokenizerConfig struct {
	DefaultModel        string `toml:"default_model"`
	ModelPrefixToRemove string `toml:"model_prefix_to_remove,omitempty"`
	IgnoreModelEncoding bool   `toml:"ignore_model_encoding,omitempty"`
}

// OpenWebUIConfig points at the Open WebUI instance whose model catalog is
// synced into the local price table.
type OpenWebUIConfig struct {
	URL                 string `toml:"url,omitempty"`
	APIKey              string `toml:"api_key,omitempty"`
	SyncIntervalMinutes int    `toml:"sync_interval_minutes,omitempty"`
}

type ServerConfig struct {
	ListenAddr string           `toml:"listen_addr"`
	LogLevel   string           `toml:"log_level,omitempty"`
	APIKeys    []string         `toml:"api_keys"`
	TLS        TLSConfig        `toml:"tls"`
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	RateLimit  RateLimitConfig  `toml:"ratelimit"`
	Tokenizer  TokenizerConfig  `toml:"tokenizer"`
	OpenWebUI  OpenWebUIConfig  `toml:"openwebui"`
	Providers  []ProviderConfig `toml:"providers"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "owuid", defaultConfigFileName)
}

func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "usage.db"
	}
	return filepath.Join(home, ".local", "share", "owuid", "usage.db")
}

func DefaultArchiveDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "usage-archive"
	}
	return filepath.Join(home, ".local", "share", "owuid", "usage-archive")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "autocert-cache"
	}
	return filepath.Join(home, ".cache", "owuid", "autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Database: DatabaseConfig{
			Path:       DefaultDatabasePath(),
			ArchiveDir: DefaultArchiveDir(),
		},
		RateLimit: RateLimitConfig{
			Strategy:          StrategySlidingLog,
			RequestsPerMinute: 10,
			RequestsPerHour:   120,
		},
		Tokenizer: TokenizerConfig{
			DefaultModel: "gpt-4o",
		},
		OpenWebUI: OpenWebUIConfig{
			SyncIntervalMinutes: 60,
		},
	}
	cfg.Normalize()
	return cfg
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := loadOrCreate(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadOrCreate(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeAtomic(path, v); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse toml: %w", err)
	}
	return nil
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	keys := make([]string, 0, len(c.APIKeys))
	seen := map[string]struct{}{}
	for _, k := range c.APIKeys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	c.APIKeys = keys

	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}

	c.Database.Path = strings.TrimSpace(c.Database.Path)
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath()
	}
	c.Database.ArchiveDir = strings.TrimSpace(c.Database.ArchiveDir)
	if c.Database.DefaultTokenPrice < 0 {
		c.Database.DefaultTokenPrice = 0
	}

	c.RateLimit.Strategy = strings.ToLower(strings.TrimSpace(c.RateLimit.Strategy))
	if c.RateLimit.Strategy == "" {
		c.RateLimit.Strategy = StrategySlidingLog
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = 10
	}
	if c.RateLimit.RequestsPerHour <= 0 {
		c.RateLimit.RequestsPerHour = 120
	}
	whitelist := make([]string, 0, len(c.RateLimit.Whitelist))
	for _, id := range c.RateLimit.Whitelist {
		id = strings.TrimSpace(id)
		if id != "" {
			whitelist = append(whitelist, id)
		}
	}
	c.RateLimit.Whitelist = whitelist

	c.Tokenizer.DefaultModel = strings.TrimSpace(c.Tokenizer.DefaultModel)
	if c.Tokenizer.DefaultModel == "" {
		c.Tokenizer.DefaultModel = "gpt-4o"
	}
	c.Tokenizer.ModelPrefixToRemove = strings.TrimSpace(c.Tokenizer.ModelPrefixToRemove)

	c.OpenWebUI.URL = strings.TrimRight(strings.TrimSpace(c.OpenWebUI.URL), "/")
	c.OpenWebUI.APIKey = strings.TrimSpace(c.OpenWebUI.APIKey)
	if c.OpenWebUI.SyncIntervalMinutes <= 0 {
		c.OpenWebUI.SyncIntervalMinutes = 60
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		p.Name = strings.TrimSpace(p.Name)
		p.Type = strings.ToLower(strings.TrimSpace(p.Type))
		p.BaseURL = strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")
		if p.TimeoutSeconds <= 0 {
			p.TimeoutSeconds = 600
		}
		if p.ReasoningEffort == "" {
			p.ReasoningEffort = "medium"
		}
		if p.Summary == "" {
			p.Summary = "auto"
		}
	}
}

func (c *ServerConfig) Validate() error {
	switch c.RateLimit.Strategy {
	case StrategySlidingLog, StrategyFixedWindow:
	default:
		return fmt.Errorf("ratelimit strategy %q is not one of %s, %s",
			c.RateLimit.Strategy, StrategySlidingLog, StrategyFixedWindow)
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return fmt.Errorf("tls enabled but no domain configured")
	}
	names := map[string]struct{}{}
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		names[p.Name] = struct{}{}
		switch p.Type {
		case ProviderTypeOpenRouter, ProviderTypeOpenAIResponses, ProviderTypeGemini:
		default:
			return fmt.Errorf("provider %q has unknown type %q", p.Name, p.Type)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q has no base_url", p.Name)
		}
	}
	return nil
}

// Store serializes config reads and mutations; every successful Update is
// persisted back to disk before it becomes visible.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  *ServerConfig
}

func NewStore(path string, cfg *ServerConfig) *Store {
	return &Store{path: path, cfg: cfg}
}

func (s *Store) Snapshot() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneServerConfig(s.cfg)
}

func (s *Store) Update(mutator func(*ServerConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneServerConfig(s.cfg)
	if err := mutator(&cp); err != nil {
		return err
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return err
	}
	if err := Save(s.path, &cp); err != nil {
		return err
	}
	s.cfg = &cp
	return nil
}

func cloneServerConfig(in *ServerConfig) ServerConfig {
	cp := *in
	cp.APIKeys = append([]string(nil), in.APIKeys...)
	cp.RateLimit.Whitelist = append([]string(nil), in.RateLimit.Whitelist...)
	cp.Providers = make([]ProviderConfig, len(in.Providers))
	for i := range in.Providers {
		cp.Providers[i] = in.Providers[i]
		cp.Providers[i].Models = append([]string(nil), in.Providers[i].Models...)
	}
	return cp
}
