package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ModelTier represents the model capability level
type ModelTier string

const (
	TierFast  ModelTier = "fast"  // objective generation, compaction
	TierSmart ModelTier = "smart" // live conversation
)

// Vendor names a provider backend.
type Vendor string

const (
	VendorAnthropic Vendor = "anthropic"
	VendorOpenAI    Vendor = "openai"
	VendorGemini    Vendor = "gemini"
	VendorOllama    Vendor = "ollama"
)

// Role names a prompt role that is routed to a provider.
type Role string

const (
	RoleOnboarding Role = "onboarding"
	RoleCounselor  Role = "counselor"
	RoleParser     Role = "parser"
	RoleSecretary  Role = "secretary"
)

// ProviderConfig describes one vendor backend.
type ProviderConfig struct {
	Enabled bool                 `yaml:"enabled"`
	Models  map[ModelTier]string `yaml:"models" validate:"required_if=Enabled true"`
	BaseURL string               `yaml:"base_url,omitempty"`
	APIKey  string               `yaml:"-"` // from environment only
}

// Route maps a role to a preferred and fallback vendor.
type Route struct {
	Preferred Vendor    `yaml:"preferred" validate:"required"`
	Fallback  Vendor    `yaml:"fallback,omitempty"`
	Tier      ModelTier `yaml:"tier" validate:"required,oneof=fast smart"`
	MaxTokens int       `yaml:"max_tokens" validate:"gte=0"`
}

// RetryConfig holds the provider retry policy
type RetryConfig struct {
	Attempts      int           `yaml:"attempts" validate:"gte=1,lte=10"`        // total attempts including the first
	BaseDelay     time.Duration `yaml:"base_delay" validate:"gt=0"`              // first backoff delay
	MaxDelay      time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"` // backoff cap
	JitterPercent int           `yaml:"jitter_percent" validate:"gte=0,lte=100"` // +/- jitter around each delay
}

// CircuitBreakerConfig holds per-vendor circuit breaker settings
type CircuitBreakerConfig struct {
	Threshold    int           `yaml:"threshold" validate:"gte=1"`
	ResetTimeout time.Duration `yaml:"reset_timeout" validate:"gt=0"`
}

// RateLimitConfig holds proactive provider rate limiting
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" validate:"gte=0"`
	Burst             int  `yaml:"burst" validate:"gte=0"`
}

// ContextConfig holds context budget configuration
type ContextConfig struct {
	BudgetTokens           int  `yaml:"budget_tokens" validate:"gte=64"`          // combined size of all sections
	CompactThresholdTokens int  `yaml:"compact_threshold_tokens" validate:"gt=0"` // summary size that triggers compaction
	KeepSummaryLines       int  `yaml:"keep_summary_lines" validate:"gte=1"`      // recent lines kept verbatim when compacting
	DegradeOnUnavailable   bool `yaml:"degrade_on_unavailable"`                   // run a minimal-context turn instead of failing
	NarrativeCacheSize     int  `yaml:"narrative_cache_size" validate:"gte=1"`
}

// QuotaConfig maps billing tiers to turn allowances
type QuotaConfig struct {
	Period   time.Duration  `yaml:"period" validate:"gt=0"`
	Turns    map[string]int `yaml:"turns"`
	RedisURL string         `yaml:"redis_url,omitempty"`
}

// StoreConfig selects the storage rendition
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory sqlite"`
	DSN    string `yaml:"dsn" validate:"required_if=Driver sqlite"`
}

// ServerConfig holds HTTP settings
type ServerConfig struct {
	Addr         string        `yaml:"addr" validate:"required"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ObjectivesConfig holds background generator settings
type ObjectivesConfig struct {
	Workers       int           `yaml:"workers" validate:"gte=1"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxObjectives int           `yaml:"max_objectives" validate:"gte=1,lte=20"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Config holds the application configuration
type Config struct {
	Providers       map[Vendor]*ProviderConfig `yaml:"providers" validate:"required,dive"`
	Routing         map[Role]Route             `yaml:"routing" validate:"required,dive"`
	Retry           RetryConfig                `yaml:"retry"`
	ProviderTimeout time.Duration              `yaml:"provider_timeout" validate:"gt=0"`
	CircuitBreaker  CircuitBreakerConfig       `yaml:"circuit_breaker"`
	RateLimit       RateLimitConfig            `yaml:"rate_limit"`
	Context         ContextConfig              `yaml:"context"`
	Quota           QuotaConfig                `yaml:"quota"`
	Store           StoreConfig                `yaml:"store"`
	Server          ServerConfig               `yaml:"server"`
	Objectives      ObjectivesConfig           `yaml:"objectives"`
	Log             LogConfig                  `yaml:"log"`

	// Internal: where config was loaded from
	configPath string
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Providers: map[Vendor]*ProviderConfig{
			VendorAnthropic: {
				Enabled: true,
				Models: map[ModelTier]string{
					TierFast:  "claude-haiku-4-5-20251001",
					TierSmart: "claude-sonnet-4-5-20250929",
				},
			},
			VendorOpenAI: {
				Enabled: true,
				Models: map[ModelTier]string{
					TierFast:  "gpt-4o-mini",
					TierSmart: "gpt-4o",
				},
			},
			VendorGemini: {
				Models: map[ModelTier]string{
					TierFast:  "gemini-2.5-flash",
					TierSmart: "gemini-2.5-pro",
				},
			},
			VendorOllama: {
				BaseURL: "http://localhost:11434",
				Models: map[ModelTier]string{
					TierFast:  "llama3.2:3b",
					TierSmart: "qwen3:8b",
				},
			},
		},
		Routing: map[Role]Route{
			RoleOnboarding: {Preferred: VendorAnthropic, Fallback: VendorOpenAI, Tier: TierSmart, MaxTokens: 2048},
			RoleCounselor:  {Preferred: VendorAnthropic, Fallback: VendorOpenAI, Tier: TierSmart, MaxTokens: 2048},
			RoleParser:     {Preferred: VendorOpenAI, Fallback: VendorAnthropic, Tier: TierFast, MaxTokens: 1024},
			RoleSecretary:  {Preferred: VendorOpenAI, Fallback: VendorAnthropic, Tier: TierFast, MaxTokens: 1024},
		},
		Retry: RetryConfig{
			Attempts:      3,
			BaseDelay:     500 * time.Millisecond,
			MaxDelay:      8 * time.Second,
			JitterPercent: 20,
		},
		ProviderTimeout: 30 * time.Second,
		CircuitBreaker: CircuitBreakerConfig{
			Threshold:    5,
			ResetTimeout: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 120,
			Burst:             10,
		},
		Context: ContextConfig{
			BudgetTokens:           6000,
			CompactThresholdTokens: 1500,
			KeepSummaryLines:       8,
			NarrativeCacheSize:     1024,
		},
		Quota: QuotaConfig{
			Period: 24 * time.Hour,
			Turns: map[string]int{
				"free":    20,
				"premium": 500,
			},
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 90 * time.Second,
		},
		Objectives: ObjectivesConfig{
			Workers:       4,
			Timeout:       2 * time.Minute,
			MaxObjectives: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from files and environment
func Load() (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range getConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			if err := cfg.loadFromFile(path); err != nil {
				return nil, fmt.Errorf("error loading config from %s: %w", path, err)
			}
			cfg.configPath = path
			break
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// getConfigPaths returns config file paths in priority order
func getConfigPaths() []string {
	var paths []string
	if p := os.Getenv("COUNSELOR_CONFIG"); p != "" {
		paths = append(paths, p)
	}
	paths = append(paths,
		"counselor.yaml",
		".counselor/config.yaml",
	)

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "counselor", "config.yaml"))
	}

	return paths
}

// loadFromFile loads config from a YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// applyEnv pulls secrets and endpoints from the environment.
func (c *Config) applyEnv() {
	keys := map[Vendor]string{
		VendorAnthropic: "ANTHROPIC_API_KEY",
		VendorOpenAI:    "OPENAI_API_KEY",
		VendorGemini:    "GEMINI_API_KEY",
	}
	for vendor, env := range keys {
		if p, ok := c.Providers[vendor]; ok && p != nil {
			p.APIKey = os.Getenv(env)
		}
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		if p, ok := c.Providers[VendorOllama]; ok && p != nil {
			p.BaseURL = host
		}
	}
	if url := os.Getenv("COUNSELOR_REDIS_URL"); url != "" {
		c.Quota.RedisURL = url
	}
	if lvl := os.Getenv("COUNSELOR_LOG_LEVEL"); lvl != "" {
		c.Log.Level = lvl
	}
}

// Validate checks struct tags and cross references between sections.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for role, route := range c.Routing {
		if !c.enabled(route.Preferred) {
			return fmt.Errorf("invalid config: routing.%s.preferred: provider %q is not enabled", role, route.Preferred)
		}
		if route.Fallback != "" && !c.enabled(route.Fallback) {
			return fmt.Errorf("invalid config: routing.%s.fallback: provider %q is not enabled", role, route.Fallback)
		}
		if c.Providers[route.Preferred].Models[route.Tier] == "" {
			return fmt.Errorf("invalid config: provider %q has no %s model", route.Preferred, route.Tier)
		}
	}
	return nil
}

func (c *Config) enabled(v Vendor) bool {
	p, ok := c.Providers[v]
	return ok && p != nil && p.Enabled
}

// GetModel returns the model ID a vendor uses for a tier
func (c *Config) GetModel(vendor Vendor, tier ModelTier) string {
	p, ok := c.Providers[vendor]
	if !ok || p == nil {
		return ""
	}
	if m := p.Models[tier]; m != "" {
		return m
	}
	return p.Models[TierSmart]
}

// EnabledVendors lists configured vendors in a stable order.
func (c *Config) EnabledVendors() []Vendor {
	var out []Vendor
	for _, v := range []Vendor{VendorAnthropic, VendorOpenAI, VendorGemini, VendorOllama} {
		if c.enabled(v) {
			out = append(out, v)
		}
	}
	return out
}

// TurnQuota returns the allowance for a billing tier, or 0 when the tier is unknown.
func (c *Config) TurnQuota(tier string) int {
	return c.Quota.Turns[tier]
}

// ConfigPath returns where the config was loaded from
func (c *Config) ConfigPath() string {
	return c.configPath
}
