// Package tracing sets up the OpenTelemetry tracer used around handled
// events and sync ticks.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Name is the instrumentation scope of every span.
const Name = "fedsync"

// Shutdown flushes and stops the exporter.
type Shutdown func(context.Context) error

// New builds a tracer for exporter: "none" (or empty) for a no-op tracer,
// "stdout" to write spans as JSON to w (stdout when nil). The provider is
// also installed as the global one.
func New(exporter string, w io.Writer) (trace.Tracer, Shutdown, error) {
	switch exporter {
	case "", "none":
		return noop.NewTracerProvider().Tracer(Name), func(context.Context) error { return nil }, nil
	case "stdout":
		if w == nil {
			w = os.Stdout
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		return tp.Tracer(Name), tp.Shutdown, nil
	}
	return nil, nil, fmt.Errorf("unknown tracing exporter %q", exporter)
}
