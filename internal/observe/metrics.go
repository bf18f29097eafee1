// Package observe provides application-wide observability primitives for
// whisperstream: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all whisperstream metrics.
const meterName = "github.com/MrWong99/whisperstream"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TranscriptionDuration tracks how long one segment took to transcribe,
	// including fallback attempts.
	TranscriptionDuration metric.Float64Histogram

	// SegmentAudioDuration tracks the audio length of emitted segments.
	SegmentAudioDuration metric.Float64Histogram

	// --- Counters ---

	// Segments counts emitted segments. Use with attribute:
	//   attribute.String("reason", "natural"|"forced"|"flushed")
	Segments metric.Int64Counter

	// SegmentsDiscarded counts phrases dropped for being shorter than the
	// minimum speech duration.
	SegmentsDiscarded metric.Int64Counter

	// ChunksSkipped counts chunks the analyzer rejected.
	ChunksSkipped metric.Int64Counter

	// ProviderRequests counts transcription provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// CircuitTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("provider", ...), attribute.String("state", ...)
	CircuitTransitions metric.Int64Counter

	// ArchiveWrites counts transcript archive appends. Use with attribute:
	//   attribute.String("status", ...)
	ArchiveWrites metric.Int64Counter

	// --- Error counters ---

	// TranscriptionFailures counts segments whose transcription failed and
	// were treated as empty. Use with attribute:
	//   attribute.String("provider", ...)
	TranscriptionFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live WebSocket sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// transcription latency. CPU whisper models routinely take several seconds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40,
}

// audioBuckets covers segment lengths from the minimum speech duration up to
// long forced cuts.
var audioBuckets = []float64{
	0.5, 1, 2, 3, 5, 8, 13, 20, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionDuration, err = m.Float64Histogram("whisperstream.transcription.duration",
		metric.WithDescription("Latency of segment transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentAudioDuration, err = m.Float64Histogram("whisperstream.segment.audio_duration",
		metric.WithDescription("Audio length of emitted segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(audioBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Segments, err = m.Int64Counter("whisperstream.segments",
		metric.WithDescription("Total emitted segments by reason."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDiscarded, err = m.Int64Counter("whisperstream.segments.discarded",
		metric.WithDescription("Total phrases discarded as too short."),
	); err != nil {
		return nil, err
	}
	if met.ChunksSkipped, err = m.Int64Counter("whisperstream.chunks.skipped",
		metric.WithDescription("Total audio chunks rejected by the analyzer."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("whisperstream.provider.requests",
		metric.WithDescription("Total transcription provider requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.CircuitTransitions, err = m.Int64Counter("whisperstream.provider.circuit_transitions",
		metric.WithDescription("Circuit breaker state changes by provider and new state."),
	); err != nil {
		return nil, err
	}
	if met.ArchiveWrites, err = m.Int64Counter("whisperstream.archive.writes",
		metric.WithDescription("Total transcript archive writes by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.TranscriptionFailures, err = m.Int64Counter("whisperstream.transcription.failures",
		metric.WithDescription("Total segments whose transcription failed."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("whisperstream.active_sessions",
		metric.WithDescription("Number of live WebSocket sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("whisperstream.http.request.duration",
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

// RecordSegment records one emitted segment: the reason counter and its audio
// length.
func (m *Metrics) RecordSegment(ctx context.Context, reason string, audio time.Duration) {
	m.Segments.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.SegmentAudioDuration.Record(ctx, audio.Seconds())
}

// RecordTranscription records the latency of one transcription attempt.
func (m *Metrics) RecordTranscription(ctx context.Context, elapsed time.Duration) {
	m.TranscriptionDuration.Record(ctx, elapsed.Seconds())
}

// RecordTranscriptionFailure counts a segment whose transcription failed.
func (m *Metrics) RecordTranscriptionFailure(ctx context.Context, provider string) {
	m.TranscriptionFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordCircuitTransition counts a breaker entering state.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, provider, state string) {
	m.CircuitTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("state", state),
		),
	)
}

// RecordArchiveWrite counts one archive append by status.
func (m *Metrics) RecordArchiveWrite(ctx context.Context, status string) {
	m.ArchiveWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
