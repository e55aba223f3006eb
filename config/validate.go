package config

import (
	"fmt"
	"net"
	"strings"
)

// FieldError is a validation failure of one field.
type FieldError struct {
	// Field is the dotted path to the field (e.g., "collector.batch_size").
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every field that failed validation.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d errors:", len(e.Errors))
	for _, err := range e.Errors {
		sb.WriteString("\n  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

var (
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validFormats = map[string]bool{"json": true, "console": true}
)

// Validate checks the configuration and returns a ValidationError listing every problem.
func Validate(cfg *Config) error {
	var errs []FieldError
	add := func(field, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(cfg.Service.Name) == "" {
		add("service.name", "must not be empty")
	}

	if cfg.Collector.Address != "" {
		if _, _, err := net.SplitHostPort(cfg.Collector.Address); err != nil {
			add("collector.address", "must be host:port, got %q", cfg.Collector.Address)
		}
	}
	if cfg.Collector.MaxBufferSize <= 0 {
		add("collector.max_buffer_size", "must be positive, got %d", cfg.Collector.MaxBufferSize)
	}
	if cfg.Collector.BatchSize <= 0 {
		add("collector.batch_size", "must be positive, got %d", cfg.Collector.BatchSize)
	}
	if cfg.Collector.BatchSize > cfg.Collector.MaxBufferSize {
		add("collector.batch_size", "must not exceed max_buffer_size (%d)", cfg.Collector.MaxBufferSize)
	}
	if cfg.Collector.FlushInterval <= 0 {
		add("collector.flush_interval", "must be positive")
	}
	if cfg.Collector.Timeout <= 0 {
		add("collector.timeout", "must be positive")
	}

	if cfg.Tracing.OrphanTimeout < 0 {
		add("tracing.orphan_timeout", "must not be negative")
	}
	if cfg.Tracing.Workers <= 0 {
		add("tracing.workers", "must be positive, got %d", cfg.Tracing.Workers)
	}
	if cfg.Tracing.QueueSize <= 0 {
		add("tracing.queue_size", "must be positive, got %d", cfg.Tracing.QueueSize)
	}

	if !validLevels[cfg.Logging.Level] {
		add("logging.level", "must be one of debug, info, warn, error, got %q", cfg.Logging.Level)
	}
	if !validFormats[cfg.Logging.Format] {
		add("logging.format", "must be json or console, got %q", cfg.Logging.Format)
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}
