package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a YAML file, applies defaults and validates it.
// Environment variables are not consulted; use LoadConfigWithEnvOverrides for that.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// AGENTZ_* environment overrides. An empty path starts from defaults.
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	applyEnvOverrides(cfg)

	// Re-validate after overrides
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies AGENTZ_SECTION_FIELD variables. Unparsable numbers and
// durations are ignored.
func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	setInt := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				*dst = n
			}
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if val := os.Getenv(key); val != "" {
			if d, err := time.ParseDuration(val); err == nil {
				*dst = d
			}
		}
	}

	setString("AGENTZ_SERVICE_NAME", &cfg.Service.Name)
	setString("AGENTZ_SERVICE_INSTANCE", &cfg.Service.Instance)

	setString("AGENTZ_COLLECTOR_ADDRESS", &cfg.Collector.Address)
	setInt("AGENTZ_COLLECTOR_MAX_BUFFER_SIZE", &cfg.Collector.MaxBufferSize)
	setInt("AGENTZ_COLLECTOR_BATCH_SIZE", &cfg.Collector.BatchSize)
	setDuration("AGENTZ_COLLECTOR_FLUSH_INTERVAL", &cfg.Collector.FlushInterval)
	setDuration("AGENTZ_COLLECTOR_TIMEOUT", &cfg.Collector.Timeout)
	if val := os.Getenv("AGENTZ_COLLECTOR_INSECURE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Collector.Insecure = b
		}
	}

	setDuration("AGENTZ_TRACING_ORPHAN_TIMEOUT", &cfg.Tracing.OrphanTimeout)
	setInt("AGENTZ_TRACING_WORKERS", &cfg.Tracing.Workers)
	setInt("AGENTZ_TRACING_QUEUE_SIZE", &cfg.Tracing.QueueSize)

	setString("AGENTZ_LOGGING_LEVEL", &cfg.Logging.Level)
	setString("AGENTZ_LOGGING_FORMAT", &cfg.Logging.Format)
}
