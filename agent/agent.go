// Package agent assembles a ready-to-use tracing agent from configuration.
//
// Start wires the diagnostic logger, the prometheus registry, the Manager, a
// buffering Collector and, when a collector address is configured, the OTLP
// exporter. Shutdown tears them down in dependency order: open segments are
// flushed first, then every reporter is closed concurrently.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zoobzio/agentz"
	"github.com/zoobzio/agentz/config"
	"github.com/zoobzio/agentz/reporter/otlp"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyShutdown is returned by Shutdown when called more than once.
var ErrAlreadyShutdown = errors.New("agent already shut down")

// Closer is implemented by reporters that hold resources until shutdown.
type Closer interface {
	Close(ctx context.Context) error
}

// Option customizes Start.
type Option func(*options)

type options struct {
	clock    clockz.Clock
	logger   *zap.Logger
	registry *prometheus.Registry
}

// WithClock overrides the clock used by the manager and exporter.
func WithClock(clock clockz.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithLogger uses logger instead of building one from the logging configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegistry registers diagnostics on registry instead of a fresh one.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(o *options) { o.registry = registry }
}

// Agent owns the tracing pipeline of one process.
type Agent struct {
	manager   *agentz.Manager
	collector *agentz.Collector
	exporter  *otlp.Exporter
	registry  *prometheus.Registry
	logger    *zap.Logger
	closers   []Closer
	shutdown  bool
}

// Start builds and starts an agent. cfg is expected to have passed config.Validate.
func Start(cfg *config.Config, opts ...Option) (*Agent, error) {
	o := options{clock: clockz.RealClock}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		if logger, err = NewLogger(cfg.Logging); err != nil {
			return nil, err
		}
	}
	registry := o.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	managerOpts := []agentz.Option{
		agentz.WithClock(o.clock),
		agentz.WithLogger(logger.Named("agentz")),
		agentz.WithRegisterer(registry),
		agentz.WithOrphanTimeout(cfg.Tracing.OrphanTimeout),
	}
	if cfg.Service.Instance != "" {
		managerOpts = append(managerOpts, agentz.WithInstance(cfg.Service.Instance))
	}
	manager := agentz.New(cfg.Service.Name, managerOpts...)
	if err := manager.EnableWorkerPool(cfg.Tracing.Workers, cfg.Tracing.QueueSize); err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to enable worker pool: %w", err)
	}

	a := &Agent{
		manager:   manager,
		collector: agentz.NewCollector(cfg.Collector.MaxBufferSize),
		registry:  registry,
		logger:    logger,
	}
	manager.AddReporter(a.collector)

	if cfg.Collector.Address != "" {
		exporter, err := otlp.Dial(cfg.Collector.Address, a.collector, !cfg.Collector.Insecure,
			otlp.WithClock(o.clock),
			otlp.WithLogger(logger.Named("otlp")),
			otlp.WithBatchSize(cfg.Collector.BatchSize),
			otlp.WithFlushInterval(cfg.Collector.FlushInterval),
			otlp.WithTimeout(cfg.Collector.Timeout),
		)
		if err != nil {
			manager.Close()
			a.collector.Close()
			return nil, err
		}
		exporter.Start()
		a.exporter = exporter
	}

	logger.Info("agent started",
		zap.String("service", manager.Service()),
		zap.String("instance", manager.Instance()),
		zap.String("collector", cfg.Collector.Address))

	return a, nil
}

// NewLogger builds a zap logger for the given level and encoding.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// Manager returns the span manager instrumentation should use.
func (a *Agent) Manager() *agentz.Manager { return a.manager }

// Collector returns the buffer feeding the exporter.
func (a *Agent) Collector() *agentz.Collector { return a.collector }

// Exporter returns the OTLP exporter, or nil when no collector address is configured.
func (a *Agent) Exporter() *otlp.Exporter { return a.exporter }

// Registry returns the registry holding the agent's diagnostic counters.
func (a *Agent) Registry() *prometheus.Registry { return a.registry }

// Logger returns the agent's logger.
func (a *Agent) Logger() *zap.Logger { return a.logger }

// AddReporter registers r for every finished segment. It runs on the worker pool,
// so a slow reporter never delays instrumented code. Reporters implementing
// Closer or io.Closer are closed on Shutdown.
func (a *Agent) AddReporter(r agentz.Reporter) uint64 {
	switch c := r.(type) {
	case Closer:
		a.closers = append(a.closers, c)
	case io.Closer:
		a.closers = append(a.closers, closerFunc(func(context.Context) error { return c.Close() }))
	}
	return a.manager.OnSegmentFinishAsync(r.Report)
}

type closerFunc func(ctx context.Context) error

func (f closerFunc) Close(ctx context.Context) error { return f(ctx) }

// Shutdown flushes open segments and closes every reporter. The context bounds the
// final export.
func (a *Agent) Shutdown(ctx context.Context) error {
	if a.shutdown {
		return ErrAlreadyShutdown
	}
	a.shutdown = true

	// Flushes open segments and drains the async reporters.
	a.manager.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.collector.Close()
		if a.exporter == nil {
			return nil
		}
		if err := a.exporter.Close(gctx); err != nil {
			return fmt.Errorf("otlp exporter: %w", err)
		}
		return nil
	})
	for _, c := range a.closers {
		g.Go(func() error { return c.Close(gctx) })
	}
	err := g.Wait()

	a.logger.Info("agent stopped",
		zap.Int64("dropped", a.collector.DroppedCount()),
		zap.Error(err))
	_ = a.logger.Sync()
	return err
}
