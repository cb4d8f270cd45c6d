package config

import (
	"fmt"
	"math"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// ConfigurationError aggregates every ValidationError found in one pass.
type ConfigurationError struct {
	Errors []error
}

func (e *ConfigurationError) Error() string {
	errMsgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		errMsgs[i] = err.Error()
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
}

var (
	validProviderKinds = map[string]bool{
		ProviderLlamaCpp:    true,
		ProviderOllama:      true,
		ProviderHuggingFace: true,
		ProviderOpenAI:      true,
		ProviderAnthropic:   true,
	}
	validDrivers    = map[string]bool{"sqlite": true, "postgres": true}
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"json": true, "console": true}
)

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		add("server.read_timeout_seconds", "must be positive, got %d", c.Server.ReadTimeoutSeconds)
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		add("server.write_timeout_seconds", "must be positive, got %d", c.Server.WriteTimeoutSeconds)
	}
	if c.Server.RateLimitPerMinute < 0 {
		add("server.rate_limit_per_minute", "must not be negative (0 disables limiting), got %d", c.Server.RateLimitPerMinute)
	}

	// Validate database configuration
	if !validDrivers[c.Database.Driver] {
		add("database.driver", "must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		add("database.dsn", "dsn is required")
	}

	// Validate thresholds
	pairs := []struct {
		kind string
		pair ThresholdPair
	}{
		{"cpu", c.Thresholds.CPU},
		{"memory", c.Thresholds.Memory},
		{"disk", c.Thresholds.Disk},
		{"network", c.Thresholds.Network},
	}
	for _, p := range pairs {
		if !isFinite(p.pair.Low) || !isFinite(p.pair.High) {
			add("thresholds."+p.kind, "low (%g) and high (%g) must be finite numbers", p.pair.Low, p.pair.High)
			continue
		}
		if p.pair.Low >= p.pair.High {
			add("thresholds."+p.kind, "low (%g) must be below high (%g)", p.pair.Low, p.pair.High)
		}
	}

	// Validate outlier bound
	if !isFinite(c.Outlier.K) || c.Outlier.K <= 0 {
		add("outlier.k", "must be positive, got %g", c.Outlier.K)
	}

	// Validate cache configuration
	if c.Cache.TTLSeconds <= 0 {
		add("cache.ttl_seconds", "must be positive, got %d", c.Cache.TTLSeconds)
	}
	if c.Cache.MaxEntries <= 0 {
		add("cache.max_entries", "must be positive, got %d", c.Cache.MaxEntries)
	}
	if c.Cache.RedisDB < 0 {
		add("cache.redis_db", "must not be negative, got %d", c.Cache.RedisDB)
	}

	// Validate orchestrator configuration
	if c.Orchestrator.OverallDeadlineSeconds <= 0 {
		add("orchestrator.overall_deadline_seconds", "must be positive, got %d", c.Orchestrator.OverallDeadlineSeconds)
	}
	if c.Orchestrator.ProbeTimeoutSeconds <= 0 {
		add("orchestrator.probe_timeout_seconds", "must be positive, got %d", c.Orchestrator.ProbeTimeoutSeconds)
	}
	if c.Orchestrator.MinNarrativeChars < 0 {
		add("orchestrator.min_narrative_chars", "must not be negative, got %d", c.Orchestrator.MinNarrativeChars)
	}

	// Validate providers
	names := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		field := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			add(field+".name", "name is required")
		} else if names[p.Name] {
			add(field+".name", "duplicate provider name %q", p.Name)
		}
		names[p.Name] = true

		if !validProviderKinds[p.Kind] {
			add(field+".kind", "unknown provider kind %q", p.Kind)
		}
		if p.Priority < 0 {
			add(field+".priority", "must not be negative, got %d", p.Priority)
		}
		if p.TimeoutSeconds <= 0 {
			add(field+".timeout_seconds", "must be positive, got %d", p.TimeoutSeconds)
		}
		if p.MaxTokens < 0 {
			add(field+".max_tokens", "must not be negative, got %d", p.MaxTokens)
		}
	}

	// Validate events configuration
	if c.Events.NATSURL != "" && c.Events.Subject == "" {
		add("events.subject", "subject is required when nats_url is set")
	}

	// Validate logging configuration
	if !validLogLevels[c.Logging.Level] {
		add("logging.level", "must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	if !validLogFormats[c.Logging.Format] {
		add("logging.format", "must be json or console, got %q", c.Logging.Format)
	}

	return errs
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
