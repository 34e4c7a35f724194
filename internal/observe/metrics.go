// Package observe provides application-wide observability primitives for
// nexusvoice: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is set up by [InitProvider] so that metrics can be scraped
// via the standard /metrics endpoint. A package-level default [Metrics]
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

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Audio path counters ---

	// FramesSent counts capture frames handed to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts capture frames discarded because the send queue
	// was full or the session was not active. Use with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// ChunksReceived counts inbound audio chunks scheduled for playback.
	ChunksReceived metric.Int64Counter

	// ChunksMalformed counts inbound audio chunks that failed to decode.
	ChunksMalformed metric.Int64Counter

	// Interruptions counts playback flushes caused by interruptions.
	Interruptions metric.Int64Counter

	// Turns counts completed conversational turns.
	Turns metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of conversation sessions in the
	// active state.
	ActiveSessions metric.Int64UpDownCounter

	// --- Latency histograms ---

	// SessionOpenDuration tracks how long capture acquisition and transport
	// open took. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	SessionOpenDuration metric.Float64Histogram

	// MediaDuration tracks single-shot media generation latency. Use with
	// attributes:
	//   attribute.String("mode", ...), attribute.String("status", ...)
	MediaDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for session
// setup latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// mediaBuckets covers long-running generations such as video, which can take
// minutes.
var mediaBuckets = []float64{
	0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(scope)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("nexusvoice.frames.sent",
		metric.WithDescription("Capture frames sent to the speech-to-speech transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("nexusvoice.frames.dropped",
		metric.WithDescription("Capture frames dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("nexusvoice.chunks.received",
		metric.WithDescription("Inbound audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.ChunksMalformed, err = m.Int64Counter("nexusvoice.chunks.malformed",
		metric.WithDescription("Inbound audio chunks skipped because they could not be decoded."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("nexusvoice.interruptions",
		metric.WithDescription("Playback flushes caused by interruptions."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("nexusvoice.turns",
		metric.WithDescription("Completed conversational turns."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("nexusvoice.sessions.active",
		metric.WithDescription("Number of active conversation sessions."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.SessionOpenDuration, err = m.Float64Histogram("nexusvoice.session.open.duration",
		metric.WithDescription("Latency of acquiring the microphone and opening the transport."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MediaDuration, err = m.Float64Histogram("nexusvoice.media.duration",
		metric.WithDescription("Latency of single-shot media generation by mode."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(mediaBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("nexusvoice.http.request.duration",
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

// RecordFrameDropped records a dropped capture frame with its reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSessionOpen records the latency of a session start attempt.
func (m *Metrics) RecordSessionOpen(ctx context.Context, provider, status string, seconds float64) {
	m.SessionOpenDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordMedia records the latency of a media generation call.
func (m *Metrics) RecordMedia(ctx context.Context, mode, status string, seconds float64) {
	m.MediaDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
}
