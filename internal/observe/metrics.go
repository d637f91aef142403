// Package observe provides application-wide observability primitives for
// livevoice: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all livevoice metrics.
const meterName = "github.com/ce-power/livevoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Uplink ---

	// FramesCaptured counts fixed-size frames produced by the capture pipeline.
	FramesCaptured metric.Int64Counter

	// FramesSent counts frames accepted by the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames that never reached the transport. Use with
	// attribute:
	//   attribute.String("reason", "detached"|"queue_full"|"error")
	FramesDropped metric.Int64Counter

	// --- Downlink ---

	// ChunksScheduled counts audio chunks placed on the playback timeline.
	ChunksScheduled metric.Int64Counter

	// DecodeErrors counts audio chunks skipped because they failed to decode.
	DecodeErrors metric.Int64Counter

	// Interruptions counts barge-in flushes of the playback queue.
	Interruptions metric.Int64Counter

	// ScheduleLag tracks how far behind the playback clock a chunk arrived,
	// in seconds. Only late chunks are recorded.
	ScheduleLag metric.Float64Histogram

	// Transcriptions counts transcript fragments. Use with attribute:
	//   attribute.String("source", "input"|"output")
	Transcriptions metric.Int64Counter

	// --- Sessions ---

	// SessionStarts counts Start attempts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	SessionStarts metric.Int64Counter

	// ConnectDuration tracks the time from Start to a connected session.
	ConnectDuration metric.Float64Histogram

	// ProviderErrors counts sessions that ended because of a transport
	// failure. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ActiveSessions tracks the number of connected voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
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

	// Uplink counters.
	if met.FramesCaptured, err = m.Int64Counter("livevoice.capture.frames",
		metric.WithDescription("Total microphone frames produced by the capture pipeline."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("livevoice.capture.frames_sent",
		metric.WithDescription("Total microphone frames accepted by the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("livevoice.capture.frames_dropped",
		metric.WithDescription("Total microphone frames dropped by reason."),
	); err != nil {
		return nil, err
	}

	// Downlink.
	if met.ChunksScheduled, err = m.Int64Counter("livevoice.playback.chunks",
		metric.WithDescription("Total audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("livevoice.playback.decode_errors",
		metric.WithDescription("Total audio chunks skipped because they could not be decoded."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("livevoice.playback.interruptions",
		metric.WithDescription("Total barge-in interruptions."),
	); err != nil {
		return nil, err
	}
	if met.ScheduleLag, err = m.Float64Histogram("livevoice.playback.schedule_lag",
		metric.WithDescription("How far behind the playback clock late chunks arrived."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Transcriptions, err = m.Int64Counter("livevoice.transcriptions",
		metric.WithDescription("Total transcript fragments by source."),
	); err != nil {
		return nil, err
	}

	// Sessions.
	if met.SessionStarts, err = m.Int64Counter("livevoice.session.starts",
		metric.WithDescription("Total session start attempts by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("livevoice.session.connect.duration",
		metric.WithDescription("Latency from start request to connected session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("livevoice.provider.errors",
		metric.WithDescription("Total sessions ended by a transport failure."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("livevoice.active_sessions",
		metric.WithDescription("Number of connected voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livevoice.http.request.duration",
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

// RecordFrameDropped records a dropped uplink frame with its reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTranscription records one transcript fragment.
func (m *Metrics) RecordTranscription(ctx context.Context, source string) {
	m.Transcriptions.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordSessionStart is a convenience method that records a session start
// counter increment with the standard attribute set.
func (m *Metrics) RecordSessionStart(ctx context.Context, provider, status string) {
	m.SessionStarts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
