package config

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8090
	cfg.Server.ReadTimeoutSeconds = 30
	cfg.Server.WriteTimeoutSeconds = 120
	cfg.Server.RateLimitPerMinute = 120
	cfg.Server.TrustProxyHeaders = false

	// Database defaults
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = "/var/lib/anomalyd/metrics.db"

	// Threshold defaults
	cfg.Thresholds.CPU = ThresholdPair{Low: 20, High: 70}
	cfg.Thresholds.Memory = ThresholdPair{Low: 30, High: 80}
	cfg.Thresholds.Disk = ThresholdPair{Low: 20, High: 80}
	cfg.Thresholds.Network = ThresholdPair{Low: 10, High: 70}

	// Outlier defaults
	cfg.Outlier.K = 2.0

	// Cache defaults
	cfg.Cache.TTLSeconds = 300 // 5 minutes
	cfg.Cache.MaxEntries = 1000
	cfg.Cache.RedisAddr = "" // memory only
	cfg.Cache.RedisDB = 0

	// Orchestrator defaults
	cfg.Orchestrator.OverallDeadlineSeconds = 90
	cfg.Orchestrator.ProbeTimeoutSeconds = 5
	cfg.Orchestrator.MinNarrativeChars = 50

	// Provider defaults: local llama-server first, hosted model second
	cfg.Providers = []ProviderConfig{
		{
			Name:           "local",
			Kind:           ProviderLlamaCpp,
			Enabled:        true,
			Priority:       0,
			TimeoutSeconds: 60,
			BaseURL:        "http://llama-server:8080",
		},
		{
			Name:           "huggingface",
			Kind:           ProviderHuggingFace,
			Enabled:        true,
			Priority:       10,
			TimeoutSeconds: 60,
			Model:          "google/flan-t5-small",
		},
	}

	// Event defaults
	cfg.Events.NATSURL = "" // disabled
	cfg.Events.Subject = "anomalyd.analysis"

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.File = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	return cfg
}
