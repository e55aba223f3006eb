// Package config loads the agent's configuration from YAML with environment overrides.
//
// Configuration is loaded in this order, later steps winning:
//
//  1. Built-in defaults (ApplyDefaults)
//  2. The YAML file passed to LoadConfig
//  3. AGENTZ_* environment variables (LoadConfigWithEnvOverrides)
//
// Environment variables follow AGENTZ_SECTION_FIELD, for example
// AGENTZ_SERVICE_NAME overrides service.name and AGENTZ_LOGGING_LEVEL overrides
// logging.level.
package config

import "time"

// Config is the complete agent configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Collector CollectorConfig `yaml:"collector"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServiceConfig names the traced process in every carrier and segment.
type ServiceConfig struct {
	// Name is the logical service name.
	Name string `yaml:"name"`

	// Instance distinguishes replicas of the same service. Generated when empty.
	Instance string `yaml:"instance"`
}

// CollectorConfig controls buffering and shipment of finished segments.
type CollectorConfig struct {
	// Address is the OTLP/gRPC endpoint. Empty disables export; segments are only buffered.
	Address string `yaml:"address"`

	// MaxBufferSize bounds the number of finished segments held for export.
	MaxBufferSize int `yaml:"max_buffer_size"`

	// BatchSize is the maximum number of segments per export call.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is the longest a segment waits before export.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// Timeout bounds a single export call.
	Timeout time.Duration `yaml:"timeout"`

	// Insecure disables transport security on the gRPC connection.
	Insecure bool `yaml:"insecure"`
}

// TracingConfig tunes the span lifecycle engine.
type TracingConfig struct {
	// OrphanTimeout force-finishes async spans whose completion never arrives. Zero disables it.
	OrphanTimeout time.Duration `yaml:"orphan_timeout"`

	// Workers and QueueSize size the pool running async segment handlers.
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// LoggingConfig configures the diagnostic logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is json or console.
	Format string `yaml:"format"`
}
