package config

import "time"

// Default values for configuration fields.
const (
	DefaultServiceName = "unknown"

	DefaultMaxBufferSize = 1000
	DefaultBatchSize     = 100
	DefaultFlushInterval = time.Second
	DefaultTimeout       = 10 * time.Second

	DefaultOrphanTimeout = 5 * time.Minute
	DefaultWorkers       = 2
	DefaultQueueSize     = 1000

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset field. Set fields are left alone.
func ApplyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = DefaultServiceName
	}

	if cfg.Collector.MaxBufferSize == 0 {
		cfg.Collector.MaxBufferSize = DefaultMaxBufferSize
	}
	if cfg.Collector.BatchSize == 0 {
		cfg.Collector.BatchSize = DefaultBatchSize
	}
	if cfg.Collector.FlushInterval == 0 {
		cfg.Collector.FlushInterval = DefaultFlushInterval
	}
	if cfg.Collector.Timeout == 0 {
		cfg.Collector.Timeout = DefaultTimeout
	}

	if cfg.Tracing.OrphanTimeout == 0 {
		cfg.Tracing.OrphanTimeout = DefaultOrphanTimeout
	}
	if cfg.Tracing.Workers == 0 {
		cfg.Tracing.Workers = DefaultWorkers
	}
	if cfg.Tracing.QueueSize == 0 {
		cfg.Tracing.QueueSize = DefaultQueueSize
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLogFormat
	}
}
