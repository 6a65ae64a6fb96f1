// ABOUTME: OpenTelemetry tracer setup with an optional stdout exporter.
// ABOUTME: When tracing is disabled spans come from the global no-op provider.

package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name for every span.
const TracerName = "coven-relay"

var tracerProvider *sdktrace.TracerProvider

// InitTracing installs a batching stdout exporter when enabled.
func InitTracing(enabled bool) error {
	if !enabled {
		return nil
	}
	exporter, err := stdouttrace.New()
	if err != nil {
		return fmt.Errorf("creating stdout exporter: %w", err)
	}
	tracerProvider = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tracerProvider)
	return nil
}

// ShutdownTracing flushes pending spans.
func ShutdownTracing(ctx context.Context) error {
	if tracerProvider == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return tracerProvider.Shutdown(ctx)
}

// StartSpan starts a span from the global provider.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, opts...)
}
