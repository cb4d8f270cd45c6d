package config

import "context"

// Package config provides configuration management for anomalyd.
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (ANOMALYD_* prefix, dots become underscores)
//   2. YAML config file (default: /etc/anomalyd/config.yaml, optional)
//   3. Built-in defaults
//
// Provider credentials may also come from the conventional variables
// HF_API_KEY, OPENAI_API_KEY and ANTHROPIC_API_KEY; endpoint overrides
// from LLAMA_SERVER_URL and OLLAMA_BASE_URL; the store DSN from DATABASE_URL.
//
// Main Configuration Sections:
//
//   1. Server: HTTP listen address, timeouts, per-client rate limit
//   2. Database: driver (sqlite | postgres) and DSN
//   3. Thresholds: low/high per metric kind (cpu, memory, disk, network)
//   4. Outlier: deviation bound k
//   5. Cache: TTL, max entries, optional Redis tier
//   6. Orchestrator: overall deadline, probe timeout, minimum narrative size
//   7. Providers: ordered inference backends
//   8. Events: NATS URL and subject for analysis events
//   9. Logging: level, format, optional rotated file
//  10. Auth: bearer tokens accepted by the HTTP API
//
// Thresholds, cache and providers are fixed at startup. Only the logging
// level follows config file changes at runtime.

// ThresholdPair is the low/high band boundary of one metric kind.
type ThresholdPair struct {
	Low  float64 `mapstructure:"low"`
	High float64 `mapstructure:"high"`
}

// ProviderConfig describes one inference backend.
type ProviderConfig struct {
	Name           string `mapstructure:"name"`
	Kind           string `mapstructure:"kind"`
	Enabled        bool   `mapstructure:"enabled"`
	Priority       int    `mapstructure:"priority"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	BaseURL        string `mapstructure:"base_url"`
	Model          string `mapstructure:"model"`
	APIKey         string `mapstructure:"api_key"`
	MaxTokens      int    `mapstructure:"max_tokens"`
}

// Provider kinds understood by the registry.
const (
	ProviderLlamaCpp    = "llamacpp"
	ProviderOllama      = "ollama"
	ProviderHuggingFace = "huggingface"
	ProviderOpenAI      = "openai"
	ProviderAnthropic   = "anthropic"
)

// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Host                string
		Port                int
		ReadTimeoutSeconds  int
		WriteTimeoutSeconds int
		RateLimitPerMinute  int
		TrustProxyHeaders   bool
	}

	// Database configuration
	Database struct {
		Driver string
		DSN    string
	}

	// Thresholds per metric kind
	Thresholds struct {
		CPU     ThresholdPair
		Memory  ThresholdPair
		Disk    ThresholdPair
		Network ThresholdPair
	}

	// Outlier detection
	Outlier struct {
		K float64
	}

	// Response cache configuration
	Cache struct {
		TTLSeconds    int
		MaxEntries    int
		RedisAddr     string
		RedisPassword string
		RedisDB       int
	}

	// Fallback orchestrator configuration
	Orchestrator struct {
		OverallDeadlineSeconds int
		ProbeTimeoutSeconds    int
		MinNarrativeChars      int
	}

	// Inference providers, tried in ascending priority
	Providers []ProviderConfig

	// Event publication
	Events struct {
		NATSURL string
		Subject string
	}

	// Logging configuration
	Logging struct {
		Level      string
		Format     string
		File       string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}

	// API authentication
	Auth struct {
		APITokens []string
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch delivers reloaded configurations when the file changes.
	Watch(ctx context.Context) <-chan Config
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// DefaultConfigPath is used when no path is given.
const DefaultConfigPath = "/etc/anomalyd/config.yaml"

// Load builds a manager for path, loads and validates the configuration.
func Load(ctx context.Context, path string) (ConfigManager, *Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	mgr, err := NewConfigManager(path)
	if err != nil {
		return nil, nil, err
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, nil, err
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, nil, err
	}
	return mgr, mgr.Get(ctx), nil
}
