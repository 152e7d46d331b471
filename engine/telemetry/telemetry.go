// Package telemetry wires OpenTelemetry tracing and metrics and hosts the
// service metrics facade. Message content reaches trace spans only through
// the content-tracing gate, which is off by default.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
)

// Options configures telemetry initialization.
type Options struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string // OTLP HTTP endpoint, host:port
	TracesEnabled  bool
	MetricsEnabled bool
}

// Init configures the global tracer and meter providers with OTLP HTTP
// exporters. Returns a shutdown func that flushes both.
func Init(ctx context.Context, opts Options) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: init resource: %w", err)
	}

	var tp *sdktrace.TracerProvider
	if opts.TracesEnabled {
		trExp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(opts.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: init trace exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(trExp),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
	}

	var mp *sdkmetric.MeterProvider
	if opts.MetricsEnabled {
		mExp, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(opts.Endpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: init metrics exporter: %w", err)
		}
		mp = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(mExp, sdkmetric.WithInterval(10*time.Second))),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		var first error
		if mp != nil {
			if err := mp.Shutdown(ctx); err != nil {
				first = err
			}
		}
		if tp != nil {
			if err := tp.Shutdown(ctx); err != nil && first == nil {
				first = err
			}
		}
		return first
	}, nil
}

// Tracer returns the service tracer.
func Tracer() trace.Tracer {
	return otel.Tracer("penrose")
}

// AddContentAttributes attaches message bodies to a span, gated by the
// process-wide content-tracing flag. With the flag off (the default) no
// user or assistant content is ever emitted to traces.
func AddContentAttributes(span trace.Span, userMessage, assistantMessage string, contentTracing bool) {
	if !contentTracing {
		return
	}
	span.SetAttributes(
		attribute.String("user_message", userMessage),
		attribute.String("assistant_message", assistantMessage),
	)
}
