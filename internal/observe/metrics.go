// Package observe provides application-wide observability primitives for
// Callsight: OpenTelemetry metrics, structured logging helpers, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Callsight metrics.
const meterName = "github.com/callsight-ai/callsight"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// LLMDuration tracks chat-completion call latency.
	LLMDuration metric.Float64Histogram

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// StageDuration tracks audio pipeline stage latency. Use with attribute:
	//   attribute.String("stage", ...)
	StageDuration metric.Float64Histogram

	// HandlerDuration tracks end-to-end message handler latency. Use with
	// attribute: attribute.String("family", ...)
	HandlerDuration metric.Float64Histogram

	// --- Counters ---

	// BackendRequests counts remote backend calls. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("status", ...)
	BackendRequests metric.Int64Counter

	// BrokerDenials counts denied budget admissions. Use with attribute:
	//   attribute.String("reason", ...)
	BrokerDenials metric.Int64Counter

	// MessagesReceived counts bus messages consumed. Use with attribute:
	//   attribute.String("family", ...)
	MessagesReceived metric.Int64Counter

	// MessagesSent counts result envelopes published. Use with attributes:
	//   attribute.String("family", ...), attribute.String("status", ...)
	MessagesSent metric.Int64Counter

	// --- Gauges ---

	// InflightHandlers tracks the number of handlers currently running.
	InflightHandlers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). The upper
// buckets accommodate long STT calls on large audio chunks.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.LLMDuration, err = m.Float64Histogram("callsight.llm.duration",
		metric.WithDescription("Latency of chat completion calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("callsight.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageDuration, err = m.Float64Histogram("callsight.pipeline.stage.duration",
		metric.WithDescription("Latency of audio pipeline stages by stage name."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HandlerDuration, err = m.Float64Histogram("callsight.handler.duration",
		metric.WithDescription("End-to-end message handler latency by worker family."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.BackendRequests, err = m.Int64Counter("callsight.backend.requests",
		metric.WithDescription("Total remote backend requests by backend and status."),
	); err != nil {
		return nil, err
	}
	if met.BrokerDenials, err = m.Int64Counter("callsight.broker.denials",
		metric.WithDescription("Total denied token budget admissions by reason."),
	); err != nil {
		return nil, err
	}
	if met.MessagesReceived, err = m.Int64Counter("callsight.messages.received",
		metric.WithDescription("Total bus messages consumed by worker family."),
	); err != nil {
		return nil, err
	}
	if met.MessagesSent, err = m.Int64Counter("callsight.messages.sent",
		metric.WithDescription("Total result envelopes published by family and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.InflightHandlers, err = m.Int64UpDownCounter("callsight.handlers.inflight",
		metric.WithDescription("Number of message handlers currently running."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("callsight.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordBackendRequest records a remote backend call with the standard
// attribute set.
func (m *Metrics) RecordBackendRequest(ctx context.Context, backend, status string) {
	m.BackendRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("status", status),
		),
	)
}

// RecordBrokerDenial records a denied budget admission.
func (m *Metrics) RecordBrokerDenial(ctx context.Context, reason string) {
	m.BrokerDenials.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordStage records the duration of one pipeline stage in seconds.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordHandler records the duration of one handler invocation in seconds.
func (m *Metrics) RecordHandler(ctx context.Context, family string, seconds float64) {
	m.HandlerDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("family", family)),
	)
}

// RecordMessageReceived counts one consumed bus message.
func (m *Metrics) RecordMessageReceived(ctx context.Context, family string) {
	m.MessagesReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("family", family)),
	)
}

// RecordMessageSent counts one published result envelope.
func (m *Metrics) RecordMessageSent(ctx context.Context, family, status string) {
	m.MessagesSent.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("family", family),
			attribute.String("status", status),
		),
	)
}
