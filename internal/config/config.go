// Package config implements the Config of SPEC_FULL.md §3: an env-var
// driven configuration struct following the teacher's three-layer
// priority (core/config.go): defaults, then environment variables, then
// functional options, highest priority last. Field-by-field, no
// reflection, matching the teacher's LoadFromEnv.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every environment variable spec.md §6 names.
type Config struct {
	Port int

	AuthProxyURL string
	StoreURL     string

	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	TokenCacheTTL time.Duration

	RateLimitRequests int
	RateLimitWindow   time.Duration
	RateLimitBurst    int

	HeartbeatInterval time.Duration
	RegistryTTL       time.Duration
	MaxRetries        int

	PolicyYAMLPath string
	LogFormat      string
	LogLevel       string
}

// Option mutates a Config during construction, applied after env vars so
// explicit options always win.
type Option func(*Config)

// WithPort overrides the listen port.
func WithPort(port int) Option { return func(c *Config) { c.Port = port } }

// WithAuthProxyURL overrides the auth proxy base URL.
func WithAuthProxyURL(url string) Option { return func(c *Config) { c.AuthProxyURL = url } }

// WithStoreURL overrides the Shared Store connection URL.
func WithStoreURL(url string) Option { return func(c *Config) { c.StoreURL = url } }

// WithLLM overrides the LLM provider settings.
func WithLLM(baseURL, apiKey, model string) Option {
	return func(c *Config) { c.LLMBaseURL = baseURL; c.LLMAPIKey = apiKey; c.LLMModel = model }
}

// Default returns the lowest-priority configuration layer.
func Default() *Config {
	return &Config{
		Port:              8080,
		AuthProxyURL:      "http://localhost:9000",
		StoreURL:          "redis://localhost:6379",
		LLMBaseURL:        "https://api.openai.com/v1",
		LLMModel:          "gpt-4",
		TokenCacheTTL:     300 * time.Second,
		RateLimitRequests: 100,
		RateLimitWindow:   60 * time.Second,
		RateLimitBurst:    0,
		HeartbeatInterval: 30 * time.Second,
		RegistryTTL:       300 * time.Second,
		MaxRetries:        3,
		LogFormat:         "",
		LogLevel:          "info",
	}
}

// Load builds a Config from defaults, then environment variables, then
// the supplied options — lowest-to-highest priority, so explicit options
// win over env vars and env vars win over defaults (SPEC_FULL.md §3).
func Load(opts ...Option) (*Config, error) {
	cfg := Default()
	cfg.loadFromEnv()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("AUTH_PROXY_URL"); v != "" {
		c.AuthProxyURL = v
	}
	if v := os.Getenv("STORE_URL"); v != "" {
		c.StoreURL = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		c.LLMBaseURL = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLMAPIKey = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.LLMModel = v
	}
	if v := os.Getenv("TOKEN_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.TokenCacheTTL = d
		}
	}
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimitRequests = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RateLimitWindow = d
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimitBurst = n
		}
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("REGISTRY_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RegistryTTL = d
		}
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRetries = n
		}
	}
	if v := os.Getenv("POLICY_YAML_PATH"); v != "" {
		c.PolicyYAMLPath = v
	}
	if v := os.Getenv("CONTROLPLANE_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("CONTROLPLANE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate rejects configurations the rest of the system cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0")
	}
	return nil
}
