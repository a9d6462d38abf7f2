// Package observe provides application-wide observability primitives for
// VoxRelay: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all VoxRelay metrics.
const meterName = "github.com/voxrelay/voxrelay"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRDuration tracks speech-to-text transcription latency.
	ASRDuration metric.Float64Histogram

	// MTDuration tracks text translation latency.
	MTDuration metric.Float64Histogram

	// TTSDuration tracks voice synthesis latency.
	TTSDuration metric.Float64Histogram

	// DeliveryDuration tracks the full flush-to-delivered time of one
	// transcript across all listeners.
	DeliveryDuration metric.Float64Histogram

	// --- Counters ---

	// Ticks counts pipeline loop iterations across all speakers.
	Ticks metric.Int64Counter

	// Flushes counts pending-transcript flushes by reason
	// (sentence_end, timeout, max_length, language_change, end_of_speech).
	Flushes metric.Int64Counter

	// ContextResets counts speaker context resets by reason
	// (end_of_speech, near_silence, hallucination, empty_asr, language_change).
	ContextResets metric.Int64Counter

	// DroppedTranscripts counts recognizer outputs discarded before delivery
	// by reason (empty, duplicate, hallucination, truncated).
	DroppedTranscripts metric.Int64Counter

	// --- Error counters ---

	// StageErrors counts pipeline stage failures by stage (asr, mt, tts).
	StageErrors metric.Int64Counter

	// SendFailures counts per-listener delivery failures.
	SendFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveSpeakers tracks the number of running speaker pipelines.
	ActiveSpeakers metric.Int64UpDownCounter

	// ActiveRooms tracks the number of rooms with at least one member.
	ActiveRooms metric.Int64UpDownCounter

	// ConnectedUsers tracks the number of registered users across all rooms.
	ConnectedUsers metric.Int64UpDownCounter

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

	// Histograms.
	if met.ASRDuration, err = m.Float64Histogram("voxrelay.asr.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MTDuration, err = m.Float64Histogram("voxrelay.mt.duration",
		metric.WithDescription("Latency of text translation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("voxrelay.tts.duration",
		metric.WithDescription("Latency of voice synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DeliveryDuration, err = m.Float64Histogram("voxrelay.delivery.duration",
		metric.WithDescription("Flush-to-delivered latency of one transcript across all listeners."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Ticks, err = m.Int64Counter("voxrelay.pipeline.ticks",
		metric.WithDescription("Total pipeline loop iterations across all speakers."),
	); err != nil {
		return nil, err
	}
	if met.Flushes, err = m.Int64Counter("voxrelay.pipeline.flushes",
		metric.WithDescription("Total pending-transcript flushes by reason."),
	); err != nil {
		return nil, err
	}
	if met.ContextResets, err = m.Int64Counter("voxrelay.pipeline.resets",
		metric.WithDescription("Total speaker context resets by reason."),
	); err != nil {
		return nil, err
	}
	if met.DroppedTranscripts, err = m.Int64Counter("voxrelay.pipeline.dropped_transcripts",
		metric.WithDescription("Total recognizer outputs discarded before delivery, by reason."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.StageErrors, err = m.Int64Counter("voxrelay.pipeline.stage_errors",
		metric.WithDescription("Total pipeline stage failures by stage."),
	); err != nil {
		return nil, err
	}
	if met.SendFailures, err = m.Int64Counter("voxrelay.delivery.send_failures",
		metric.WithDescription("Total per-listener delivery failures."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSpeakers, err = m.Int64UpDownCounter("voxrelay.active_speakers",
		metric.WithDescription("Number of running speaker pipelines."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRooms, err = m.Int64UpDownCounter("voxrelay.active_rooms",
		metric.WithDescription("Number of rooms with at least one member."),
	); err != nil {
		return nil, err
	}
	if met.ConnectedUsers, err = m.Int64UpDownCounter("voxrelay.connected_users",
		metric.WithDescription("Number of registered users across all rooms."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxrelay.http.request.duration",
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

// RecordStageError records one pipeline stage failure. Stage is one of the
// wire error stages (asr, mt, tts).
func (m *Metrics) RecordStageError(ctx context.Context, stage string) {
	m.StageErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordFlush records one pending-transcript flush with its trigger reason.
func (m *Metrics) RecordFlush(ctx context.Context, reason string) {
	m.Flushes.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordReset records one speaker context reset with its trigger reason.
func (m *Metrics) RecordReset(ctx context.Context, reason string) {
	m.ContextResets.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDroppedTranscript records one discarded recognizer output.
func (m *Metrics) RecordDroppedTranscript(ctx context.Context, reason string) {
	m.DroppedTranscripts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
