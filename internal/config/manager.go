package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultProviderTimeoutSeconds applies to provider entries without a timeout.
const DefaultProviderTimeoutSeconds = 60

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	viper      *viper.Viper
	watchChan  chan Config

	mu     sync.RWMutex
	config *Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	// Initialize viper
	m.viper = viper.New()

	// Set config file path
	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	// Set environment variable prefix
	m.viper.SetEnvPrefix("ANOMALYD")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	m.setDefaults()

	// Try to read config file (optional)
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// File not found via viper - OK, use defaults
		} else if os.IsNotExist(err) {
			// File not found via os - OK, use defaults
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal into config struct
	cfg, err := m.unmarshalConfig()
	if err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Apply environment variable overrides for sensitive data
	applyEnvOverrides(cfg)

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		return &ConfigurationError{Errors: errs}
	}
	return nil
}

// Watch watches the config file and delivers each valid reload.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := m.unmarshalConfig()
		if err != nil {
			return
		}
		applyEnvOverrides(cfg)
		if len(cfg.Validate()) > 0 {
			// Keep running on the last valid configuration.
			return
		}

		m.mu.Lock()
		m.config = cfg
		m.mu.Unlock()

		select {
		case m.watchChan <- *cfg:
		default:
			// Channel full, skip this update
		}
	})
	m.viper.WatchConfig()

	return m.watchChan
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.host", defaults.Server.Host)
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.read_timeout_seconds", defaults.Server.ReadTimeoutSeconds)
	m.viper.SetDefault("server.write_timeout_seconds", defaults.Server.WriteTimeoutSeconds)
	m.viper.SetDefault("server.rate_limit_per_minute", defaults.Server.RateLimitPerMinute)
	m.viper.SetDefault("server.trust_proxy_headers", defaults.Server.TrustProxyHeaders)

	// Database defaults
	m.viper.SetDefault("database.driver", defaults.Database.Driver)
	m.viper.SetDefault("database.dsn", defaults.Database.DSN)

	// Threshold defaults
	m.viper.SetDefault("thresholds.cpu.low", defaults.Thresholds.CPU.Low)
	m.viper.SetDefault("thresholds.cpu.high", defaults.Thresholds.CPU.High)
	m.viper.SetDefault("thresholds.memory.low", defaults.Thresholds.Memory.Low)
	m.viper.SetDefault("thresholds.memory.high", defaults.Thresholds.Memory.High)
	m.viper.SetDefault("thresholds.disk.low", defaults.Thresholds.Disk.Low)
	m.viper.SetDefault("thresholds.disk.high", defaults.Thresholds.Disk.High)
	m.viper.SetDefault("thresholds.network.low", defaults.Thresholds.Network.Low)
	m.viper.SetDefault("thresholds.network.high", defaults.Thresholds.Network.High)

	// Outlier defaults
	m.viper.SetDefault("outlier.k", defaults.Outlier.K)

	// Cache defaults
	m.viper.SetDefault("cache.ttl_seconds", defaults.Cache.TTLSeconds)
	m.viper.SetDefault("cache.max_entries", defaults.Cache.MaxEntries)
	m.viper.SetDefault("cache.redis_addr", defaults.Cache.RedisAddr)
	m.viper.SetDefault("cache.redis_password", defaults.Cache.RedisPassword)
	m.viper.SetDefault("cache.redis_db", defaults.Cache.RedisDB)

	// Orchestrator defaults
	m.viper.SetDefault("orchestrator.overall_deadline_seconds", defaults.Orchestrator.OverallDeadlineSeconds)
	m.viper.SetDefault("orchestrator.probe_timeout_seconds", defaults.Orchestrator.ProbeTimeoutSeconds)
	m.viper.SetDefault("orchestrator.min_narrative_chars", defaults.Orchestrator.MinNarrativeChars)

	// Provider defaults
	m.viper.SetDefault("providers", providerMaps(defaults.Providers))

	// Event defaults
	m.viper.SetDefault("events.nats_url", defaults.Events.NATSURL)
	m.viper.SetDefault("events.subject", defaults.Events.Subject)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file", defaults.Logging.File)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Auth defaults
	m.viper.SetDefault("auth.api_tokens", []string{})
}

// unmarshalConfig unmarshals viper config into a new Config struct.
func (m *viperConfigManager) unmarshalConfig() (*Config, error) {
	cfg := &Config{}

	// Server
	cfg.Server.Host = m.viper.GetString("server.host")
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.ReadTimeoutSeconds = m.viper.GetInt("server.read_timeout_seconds")
	cfg.Server.WriteTimeoutSeconds = m.viper.GetInt("server.write_timeout_seconds")
	cfg.Server.RateLimitPerMinute = m.viper.GetInt("server.rate_limit_per_minute")
	cfg.Server.TrustProxyHeaders = m.viper.GetBool("server.trust_proxy_headers")

	// Database
	cfg.Database.Driver = m.viper.GetString("database.driver")
	cfg.Database.DSN = m.viper.GetString("database.dsn")

	// Thresholds
	cfg.Thresholds.CPU = m.thresholdPair("cpu")
	cfg.Thresholds.Memory = m.thresholdPair("memory")
	cfg.Thresholds.Disk = m.thresholdPair("disk")
	cfg.Thresholds.Network = m.thresholdPair("network")

	// Outlier
	cfg.Outlier.K = m.viper.GetFloat64("outlier.k")

	// Cache
	cfg.Cache.TTLSeconds = m.viper.GetInt("cache.ttl_seconds")
	cfg.Cache.MaxEntries = m.viper.GetInt("cache.max_entries")
	cfg.Cache.RedisAddr = m.viper.GetString("cache.redis_addr")
	cfg.Cache.RedisPassword = m.viper.GetString("cache.redis_password")
	cfg.Cache.RedisDB = m.viper.GetInt("cache.redis_db")

	// Orchestrator
	cfg.Orchestrator.OverallDeadlineSeconds = m.viper.GetInt("orchestrator.overall_deadline_seconds")
	cfg.Orchestrator.ProbeTimeoutSeconds = m.viper.GetInt("orchestrator.probe_timeout_seconds")
	cfg.Orchestrator.MinNarrativeChars = m.viper.GetInt("orchestrator.min_narrative_chars")

	// Providers
	providers, err := decodeProviders(m.viper.Get("providers"))
	if err != nil {
		return nil, err
	}
	cfg.Providers = providers

	// Events
	cfg.Events.NATSURL = m.viper.GetString("events.nats_url")
	cfg.Events.Subject = m.viper.GetString("events.subject")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.File = m.viper.GetString("logging.file")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")

	// Auth
	cfg.Auth.APITokens = m.viper.GetStringSlice("auth.api_tokens")

	return cfg, nil
}

func (m *viperConfigManager) thresholdPair(kind string) ThresholdPair {
	return ThresholdPair{
		Low:  m.viper.GetFloat64("thresholds." + kind + ".low"),
		High: m.viper.GetFloat64("thresholds." + kind + ".high"),
	}
}

// decodeProviders decodes the providers list. Entries default to enabled
// with DefaultProviderTimeoutSeconds unless they say otherwise.
func decodeProviders(raw interface{}) ([]ProviderConfig, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		if maps, isMaps := raw.([]map[string]interface{}); isMaps {
			for _, mp := range maps {
				items = append(items, mp)
			}
		} else {
			return nil, fmt.Errorf("providers must be a list, got %T", raw)
		}
	}

	out := make([]ProviderConfig, 0, len(items))
	for i, item := range items {
		pc := ProviderConfig{Enabled: true, TimeoutSeconds: DefaultProviderTimeoutSeconds}
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &pc,
			WeaklyTypedInput: true,
			ErrorUnused:      true,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(item); err != nil {
			return nil, fmt.Errorf("providers[%d]: %w", i, err)
		}
		out = append(out, pc)
	}
	return out, nil
}

func providerMaps(providers []ProviderConfig) []interface{} {
	out := make([]interface{}, len(providers))
	for i, p := range providers {
		out[i] = map[string]interface{}{
			"name":            p.Name,
			"kind":            p.Kind,
			"enabled":         p.Enabled,
			"priority":        p.Priority,
			"timeout_seconds": p.TimeoutSeconds,
			"base_url":        p.BaseURL,
			"model":           p.Model,
			"api_key":         p.APIKey,
			"max_tokens":      p.MaxTokens,
		}
	}
	return out
}

// applyEnvOverrides applies environment variable overrides for sensitive data.
func applyEnvOverrides(cfg *Config) {
	keys := map[string]string{
		ProviderHuggingFace: firstEnv("HF_API_KEY", "HUGGINGFACE_API_KEY"),
		ProviderOpenAI:      os.Getenv("OPENAI_API_KEY"),
		ProviderAnthropic:   os.Getenv("ANTHROPIC_API_KEY"),
	}
	urls := map[string]string{
		ProviderLlamaCpp: os.Getenv("LLAMA_SERVER_URL"),
		ProviderOllama:   os.Getenv("OLLAMA_BASE_URL"),
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if key := keys[p.Kind]; key != "" && p.APIKey == "" {
			p.APIKey = key
		}
		if url := urls[p.Kind]; url != "" {
			p.BaseURL = url
		}
	}

	// Database DSN from environment
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Database.DSN = dsn
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			cfg.Database.Driver = "postgres"
		}
	}
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}
