package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/PenroseAI/penrose/pkg/metrics"
)

// Transport label values.
const (
	TransportHTTP      = "http"
	TransportEphemeral = "nats"
	TransportDurable   = "stream"
)

type transportKey struct{}

// WithTransport tags ctx with the ingress transport so components below the
// transport boundary (the pipeline) can label their observations.
func WithTransport(ctx context.Context, transport string) context.Context {
	return context.WithValue(ctx, transportKey{}, transport)
}

// TransportFrom returns the transport label from ctx, or "unknown".
func TransportFrom(ctx context.Context) string {
	if t, ok := ctx.Value(transportKey{}).(string); ok {
		return t
	}
	return "unknown"
}

// Recorder is the single write point for service metrics. Every observation
// lands twice: in the OTel instruments (OTLP export) and in the local
// Prometheus text registry served at /metrics.
type Recorder struct {
	registry *metrics.Registry

	requests    otelmetric.Int64Counter
	errors      otelmetric.Int64Counter
	latency     otelmetric.Float64Histogram
	contextSize otelmetric.Int64Histogram
}

// NewRecorder creates the service instruments against the global meter and
// the given local registry.
func NewRecorder(registry *metrics.Registry) *Recorder {
	meter := otel.Meter("penrose")

	requests, _ := meter.Int64Counter("penrose.requests.total",
		otelmetric.WithDescription("Total number of reasoning requests"))
	errs, _ := meter.Int64Counter("penrose.errors.total",
		otelmetric.WithDescription("Total number of failed reasoning requests"))
	latency, _ := meter.Float64Histogram("penrose.latency",
		otelmetric.WithDescription("Reasoning request latency in milliseconds"),
		otelmetric.WithUnit("ms"))
	contextSize, _ := meter.Int64Histogram("penrose.context.size",
		otelmetric.WithDescription("Number of context chunks retrieved per request"))

	return &Recorder{
		registry:    registry,
		requests:    requests,
		errors:      errs,
		latency:     latency,
		contextSize: contextSize,
	}
}

// Registry exposes the local Prometheus registry for the /metrics handler.
func (r *Recorder) Registry() *metrics.Registry {
	return r.registry
}

// IncRequests counts one inbound request on a transport.
func (r *Recorder) IncRequests(ctx context.Context, transport string) {
	r.requests.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("transport", transport)))
	r.registry.Counter(
		metrics.WithLabels("penrose_requests_total", "transport", transport),
		"Total number of reasoning requests",
	).Inc()
}

// IncErrors counts one failed request on a transport.
func (r *Recorder) IncErrors(ctx context.Context, transport string) {
	r.errors.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("transport", transport)))
	r.registry.Counter(
		metrics.WithLabels("penrose_errors_total", "transport", transport),
		"Total number of failed reasoning requests",
	).Inc()
}

// ObserveLatency records a request latency in milliseconds.
func (r *Recorder) ObserveLatency(ctx context.Context, transport string, latencyMS int64) {
	r.latency.Record(ctx, float64(latencyMS), otelmetric.WithAttributes(attribute.String("transport", transport)))
	r.registry.Histogram(
		metrics.WithLabels("penrose_latency_ms", "transport", transport),
		"Reasoning request latency in milliseconds",
		latencyBuckets,
	).Observe(float64(latencyMS))
}

// ObserveContextSize records how many context chunks a retrieval returned.
// The transport label is taken from ctx (see WithTransport).
func (r *Recorder) ObserveContextSize(ctx context.Context, chunks int) {
	transport := TransportFrom(ctx)
	r.contextSize.Record(ctx, int64(chunks), otelmetric.WithAttributes(attribute.String("transport", transport)))
	r.registry.Histogram(
		metrics.WithLabels("penrose_context_size", "transport", transport),
		"Number of context chunks retrieved per request",
		contextBuckets,
	).Observe(float64(chunks))
}

var (
	latencyBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}
	contextBuckets = []float64{0, 1, 2, 3, 5, 8, 13, 21}
)
