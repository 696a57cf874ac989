// Package otelinit wires up OpenTelemetry tracing and metrics for the
// daemon: OTLP gRPC exporters configured from the standard OTEL
// environment variables. Telemetry is best-effort — a missing collector
// downgrades to a no-op provider rather than failing startup, since the
// scheduler is useful without it.
package otelinit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// newResource describes this process to the collector; shared by the
// trace and metric exporters so both streams aggregate under the same
// service identity.
func newResource(service string) *resource.Resource {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))
	if err != nil {
		return resource.Default()
	}
	return res
}

// endpoint returns the first non-empty of the named env vars, falling
// back to the collector's default local address.
func endpoint(vars ...string) string {
	for _, v := range vars {
		if e := os.Getenv(v); e != "" {
			return e
		}
	}
	return "localhost:4317"
}

// InitTracer installs the global tracer provider, exporting over OTLP
// gRPC. The returned function shuts the provider down.
func InitTracer(ctx context.Context, service string) func(context.Context) error {
	addr := endpoint("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(addr),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("otel trace exporter init failed, tracing disabled", "error", err)
		return func(context.Context) error { return nil }
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(newResource(service)),
	)
	otel.SetTracerProvider(tp)
	slog.Info("otel tracer initialized", "endpoint", addr)
	return tp.Shutdown
}

// Flush shuts a provider down with a bounded deadline.
func Flush(ctx context.Context, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
