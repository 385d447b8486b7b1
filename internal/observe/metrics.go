// Package observe provides application-wide observability primitives for
// Kestrel: OpenTelemetry metrics, tracing helpers, and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so metrics can be scraped
// from the standard /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Kestrel metrics.
const meterName = "github.com/kestrel-voice/kestrel"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks full conversation turn latency, activation to
	// return to idle.
	TurnDuration metric.Float64Histogram

	// ActionDuration tracks action execution latency.
	ActionDuration metric.Float64Histogram

	// --- Counters ---

	// Transitions counts session state transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	Transitions metric.Int64Counter

	// FrameDrops counts audio frames shed by slow bus consumers. Use with:
	//   attribute.String("consumer", ...)
	FrameDrops metric.Int64Counter

	// ActionCalls counts action invocations. Use with attributes:
	//   attribute.String("action", ...), attribute.String("status", ...)
	ActionCalls metric.Int64Counter

	// WakeActivations counts wake-word activations.
	WakeActivations metric.Int64Counter

	// StreamErrors counts realtime stream failures.
	StreamErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live conversation sessions
	// (0 or 1 for a single-microphone deployment, but kept as a gauge).
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("kestrel.turn.duration",
		metric.WithDescription("Latency of a full conversation turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActionDuration, err = m.Float64Histogram("kestrel.action.duration",
		metric.WithDescription("Latency of action execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Transitions, err = m.Int64Counter("kestrel.session.transitions",
		metric.WithDescription("Total session state transitions by from and to state."),
	); err != nil {
		return nil, err
	}
	if met.FrameDrops, err = m.Int64Counter("kestrel.audio.frame_drops",
		metric.WithDescription("Total audio frames shed by slow consumers."),
	); err != nil {
		return nil, err
	}
	if met.ActionCalls, err = m.Int64Counter("kestrel.action.calls",
		metric.WithDescription("Total action invocations by action name and status."),
	); err != nil {
		return nil, err
	}
	if met.WakeActivations, err = m.Int64Counter("kestrel.wake.activations",
		metric.WithDescription("Total wake-word activations."),
	); err != nil {
		return nil, err
	}
	if met.StreamErrors, err = m.Int64Counter("kestrel.stream.errors",
		metric.WithDescription("Total realtime stream failures."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("kestrel.active_sessions",
		metric.WithDescription("Number of live conversation sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("kestrel.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordTransition records a session state transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.Transitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordActionCall records an action invocation with its outcome.
func (m *Metrics) RecordActionCall(ctx context.Context, action, status string) {
	m.ActionCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("status", status),
		),
	)
}

// RecordFrameDrop records one shed frame for the named consumer.
func (m *Metrics) RecordFrameDrop(ctx context.Context, consumer string) {
	m.FrameDrops.Add(ctx, 1,
		metric.WithAttributes(attribute.String("consumer", consumer)),
	)
}
