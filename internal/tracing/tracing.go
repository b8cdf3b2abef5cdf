// Package tracing configures OpenTelemetry and provides span helpers for the
// pipeline's units of work.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/phrazzld/recipe-forge"
	serviceVersion      = "1.0.0"
)

// TracerConfig holds configuration for the OpenTelemetry tracer.
type TracerConfig struct {
	Endpoint    string
	ServiceName string
	Environment string
	Enabled     bool
}

// DefaultTracerConfig returns sensible defaults. Tracing is off unless enabled.
func DefaultTracerConfig(serviceName string) TracerConfig {
	return TracerConfig{
		Endpoint:    "localhost:4318",
		ServiceName: serviceName,
		Environment: "development",
		Enabled:     false,
	}
}

// InitTracer installs a global tracer provider exporting over OTLP/HTTP and
// returns its shutdown function. When tracing is disabled the returned
// shutdown is a no-op and the global no-op provider stays in place.
func InitTracer(ctx context.Context, cfg TracerConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	client := otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)

	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(serviceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns the application tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan creates a new span with the given name and attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// TaskSpan creates a span covering one dequeued task.
func TaskSpan(ctx context.Context, queue, taskID string, attempts int) (context.Context, trace.Span) {
	return StartSpan(ctx, "task."+queue,
		attribute.String("task.queue", queue),
		attribute.String("task.id", taskID),
		attribute.Int("task.attempts", attempts),
	)
}

// ExternalCallSpan creates a span for a call to a remote dependency.
func ExternalCallSpan(ctx context.Context, system, operation string) (context.Context, trace.Span) {
	return StartSpan(ctx, system+"."+operation,
		attribute.String("peer.service", system),
		attribute.String("operation", operation),
	)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
