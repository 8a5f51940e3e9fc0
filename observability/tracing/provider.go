package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// ServiceName is reported as service.name on every span.
	ServiceName = "evolve"
	// InstrumentationName names the tracer the runner records spans with.
	InstrumentationName = "github.com/GoCodeAlone/evolve/migration"
)

// Config describes where spans are exported and which migration target
// they belong to. The target fields become resource attributes, so every
// span of a run can be traced back to the store it changed.
type Config struct {
	// Endpoint is the OTLP/HTTP collector address, for example
	// "localhost:4318".
	Endpoint string
	Insecure bool
	// SampleRate is the ratio of root traces kept. Values outside (0, 1)
	// keep everything.
	SampleRate float64
	// Version is the evolve build, reported as service.version.
	Version string

	// Driver is the store driver, "sqlite" or "postgres".
	Driver string
	// Schema is the target schema; empty for the driver default.
	Schema string
	// Migrations is the directory the declared migrations are read from.
	Migrations string
	// LockBackend names the lock that serializes runs.
	LockBackend string
}

// DefaultConfig exports to a local collector and keeps every trace.
func DefaultConfig() Config {
	return Config{
		Endpoint:   "localhost:4318",
		Insecure:   true,
		SampleRate: 1.0,
	}
}

// Provider owns the tracer provider for one evolve process.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider exports spans over OTLP/HTTP and installs the provider and
// W3C propagators globally, so the metrics endpoint's HTTP spans share it.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}
	return newProvider(ctx, cfg, sdktrace.WithBatcher(exporter))
}

func newProvider(ctx context.Context, cfg Config, processor sdktrace.TracerProviderOption) (*Provider, error) {
	res, err := resource.New(ctx, resource.WithAttributes(targetAttributes(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		processor,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		tp:     tp,
		tracer: tp.Tracer(InstrumentationName, trace.WithInstrumentationVersion(cfg.Version)),
	}, nil
}

// targetAttributes describes the service and the migration target.
func targetAttributes(cfg Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(ServiceName)}
	if cfg.Version != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(cfg.Version))
	}
	if sys := dbSystem(cfg.Driver); sys != "" {
		attrs = append(attrs, semconv.DBSystemKey.String(sys))
	}
	if cfg.Schema != "" {
		attrs = append(attrs, attribute.String("evolve.store.schema", cfg.Schema))
	}
	if cfg.Migrations != "" {
		attrs = append(attrs, attribute.String("evolve.migrations.dir", cfg.Migrations))
	}
	if cfg.LockBackend != "" {
		attrs = append(attrs, attribute.String("evolve.lock.backend", cfg.LockBackend))
	}
	return attrs
}

// dbSystem maps a store driver to its db.system value.
func dbSystem(driver string) string {
	switch driver {
	case "postgres":
		return "postgresql"
	case "sqlite":
		return "sqlite"
	}
	return driver
}

func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the tracer runner spans are recorded with.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// MigrationTracer returns a migration.Tracer backed by this provider.
func (p *Provider) MigrationTracer() *MigrationTracer {
	return NewMigrationTracer(p.tracer)
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp != nil {
		return p.tp.Shutdown(ctx)
	}
	return nil
}
