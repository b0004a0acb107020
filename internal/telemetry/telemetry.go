// Package telemetry wires tracing and metrics for the worker and watchdog
// processes. It is intentionally scoped down from a full collector pipeline:
// traces go to stdout (pretty-printed) and metrics are in-process counters,
// since this deployment shape has no collector to export to.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	tracetype "go.opentelemetry.io/otel/trace"
)

// Telemetry owns the process-wide tracer and meter providers.
type Telemetry struct {
	tp *trace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Setup installs a stdout trace exporter and an in-process metric provider
// under the given service name, and registers them as the global providers.
func Setup(serviceName string) (*Telemetry, error) {
	ctx := context.Background()

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("telemetry: build trace exporter: %w", err)
	}
	tp := trace.NewTracerProvider(trace.WithBatcher(traceExporter), trace.WithResource(res))
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	return &Telemetry{tp: tp, mp: mp}, nil
}

// Shutdown flushes and stops the tracer and meter providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: trace provider shutdown: %w", err)
	}
	if err := t.mp.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: meter provider shutdown: %w", err)
	}
	return nil
}

// Tracer returns a tracer scoped to name.
func Tracer(name string) tracetype.Tracer { return otel.GetTracerProvider().Tracer(name) }

// Meter returns a meter scoped to name.
func Meter(name string) metric.Meter { return otel.GetMeterProvider().Meter(name) }
