// Package telemetry wires OpenTelemetry tracing for pipeline stages and the
// HTTP boundary. Spans are exported to a writer (stdout by default) when
// tracing is enabled; otherwise the global no-op provider stays in place.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"ggmlforge/internal/config"
	"ggmlforge/internal/logging"
)

// InstrumentationName names the tracer used by pipeline code.
const InstrumentationName = "ggmlforge"

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

// Init configures tracing from cfg, exporting to stdout.
func Init(cfg *config.Config, logger *slog.Logger) (Shutdown, error) {
	if cfg == nil || !cfg.Telemetry.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	return InitTracer(cfg.Telemetry.ServiceName, os.Stdout, logger)
}

// InitTracer installs a global tracer provider exporting pretty-printed spans to w.
func InitTracer(serviceName string, w io.Writer, logger *slog.Logger) (Shutdown, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("OpenTelemetry initialized", logging.String("service", serviceName))
	return tp.Shutdown, nil
}

// Tracer returns the tracer used for pipeline spans.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}
