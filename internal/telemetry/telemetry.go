// Package telemetry wraps OpenTelemetry tracer-provider construction
// shared by the compression orchestrator and composition planner.
// When disabled it returns a no-op tracer so instrumentation has zero
// overhead on a default install.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope name for engine spans.
const TracerName = "helix-memory"

// Config controls whether tracing is enabled and where spans go.
type Config struct {
	Enabled bool
	// Exporter is "stdout" or "none"; any other value is treated as "none".
	Exporter string
}

// Provider wraps a tracer provider with its shutdown hook.
type Provider struct {
	Tracer   trace.Tracer
	shutdown func(context.Context) error
}

// Init constructs a Provider. A disabled config returns a genuine
// no-op tracer rather than a stdout exporter nobody reads.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled || cfg.Exporter != "stdout" {
		return &Provider{
			Tracer:   nooptrace.NewTracerProvider().Tracer(TracerName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", "helix-memory"),
	))
	if err != nil {
		return nil, err
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		Tracer:   tp.Tracer(TracerName),
		shutdown: tp.Shutdown,
	}, nil
}

// Shutdown flushes and tears down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}
