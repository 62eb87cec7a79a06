package telemetry

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
LEARNING: TRACING THE RELAY

The relay is a dumb fan-out, so the interesting questions are operational:
how long does a message spend between read and fan-out, which rooms are hot,
which connections get dropped for being slow. Every forwarded message gets a
span (see collaboration.Relay), every HTTP request gets a root span (see
middleware.TracingMiddleware).

  Relay → OpenTelemetry SDK → Jaeger Exporter → Jaeger Collector → Jaeger UI
*/

// ShutdownFunc flushes and stops the tracer provider
type ShutdownFunc func(context.Context) error

// Noop is returned when tracing is disabled or failed to start
func Noop(context.Context) error { return nil }

// InitJaeger initializes Jaeger tracing exporter
// Returns a cleanup function that should be called on shutdown
func InitJaeger(serviceName, version, jaegerEndpoint string) (ShutdownFunc, error) {
	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	// Resource identifies the service in Jaeger UI
	// Learning: Merging with resource.Default() fails when the SDK's semconv
	// schema differs from ours, so the resource is built standalone
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	)

	// Relay traffic is high-volume (one span per stroke point), so sample
	// a tenth of root traces and follow the parent otherwise
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.1))),
	)

	otel.SetTracerProvider(tp)

	log.Printf("✓ Jaeger tracing initialized: %s", jaegerEndpoint)

	return tp.Shutdown, nil
}
