// Package tracing wires up OpenTelemetry spans around the engine's
// document mutations and command dispatch, exported to Jaeger, following
// internal/tracing in the teacher repo.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// InitTracer builds a TracerProvider that batches spans to a Jaeger
// collector at endpoint and installs it as the global provider. The
// provider is still returned (for the caller to Shutdown) even if the
// exporter can't be reached yet: Jaeger exporters connect lazily on
// export, so a down collector only surfaces as dropped spans later, not
// as an error here.
func InitTracer(service, endpoint string) (*sdktrace.TracerProvider, error) {
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(service)),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// StartSpan starts a span named name under the global tracer, carrying
// the given attributes, and returns the derived context and span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer("ussl")
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
