package telemetry

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlptracegrpc "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Span wraps an OTel span with the scoped-acquisition-and-guaranteed-close
// contract from spec.md §9's "with-block observability spans" note: callers
// always `defer span.End()` regardless of whether the call beneath it is
// synchronous or part of a concurrent fan-out.
type Span struct {
	otelSpan trace.Span
}

// End closes the span. Safe to call multiple times.
func (s *Span) End() {
	if s.otelSpan != nil {
		s.otelSpan.End()
	}
}

// SetAttribute tags the span with a string attribute.
func (s *Span) SetAttribute(key, value string) {
	if s.otelSpan != nil {
		s.otelSpan.SetAttributes(attribute.String(key, value))
	}
}

// RecordError marks the span as failed and attaches the error.
func (s *Span) RecordError(err error) {
	if s.otelSpan != nil && err != nil {
		s.otelSpan.RecordError(err)
	}
}

var globalTracer atomic.Value // trace.Tracer
var globalMeter atomic.Value  // metric.Meter

func init() {
	globalTracer.Store(otel.Tracer("controlplane"))
	globalMeter.Store(noopmetric.NewMeterProvider().Meter("controlplane"))
}

// Init configures the global tracer according to OTEL_EXPORTER ("stdout",
// the default, or "otlp" for a collector at OTEL_EXPORTER_ENDPOINT). The
// meter is not configured here: it stays the no-op meter, so Counter and
// Histogram measurements are not exported. It returns a shutdown func to
// flush and close the span exporter on graceful exit.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	exporterKind := os.Getenv("OTEL_EXPORTER")
	if exporterKind == "" {
		exporterKind = "stdout"
	}

	var spanExporter sdktrace.SpanExporter
	var err error

	switch exporterKind {
	case "otlp":
		endpoint := os.Getenv("OTEL_EXPORTER_ENDPOINT")
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		spanExporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}
	default:
		spanExporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	globalTracer.Store(tp.Tracer(serviceName))

	return func(shutdownCtx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(shutdownCtx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(shutdownCtx)
	}, nil
}

// StartSpan opens a new span named name, returning a context carrying it and
// the Span handle to close.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	tracer, _ := globalTracer.Load().(trace.Tracer)
	if tracer == nil {
		tracer = otel.Tracer("controlplane")
	}
	newCtx, otelSpan := tracer.Start(ctx, name)
	return newCtx, &Span{otelSpan: otelSpan}
}

// Meter returns the process-wide OTel meter for metric instrument creation.
func Meter() metric.Meter {
	m, _ := globalMeter.Load().(metric.Meter)
	if m == nil {
		return noopmetric.NewMeterProvider().Meter("controlplane")
	}
	return m
}
