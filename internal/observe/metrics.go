// Package observe provides application-wide observability primitives for
// voicepipe: OpenTelemetry metrics, distributed tracing, structured
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicepipe metrics.
const meterName = "github.com/RockInMyHead/voicepipe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency and size histograms ---

	// TranscriptionDuration tracks transcription latency per strategy.
	// Use with attribute.String("source", ...).
	TranscriptionDuration metric.Float64Histogram

	// FlushBytes tracks the size of audio blobs flushed to transcription.
	FlushBytes metric.Int64Histogram

	// --- Counters ---

	// Transcripts counts forwarded transcriptions. Use with attribute:
	//   attribute.String("source", ...)
	Transcripts metric.Int64Counter

	// VADDecisions counts send-gate outcomes. Use with attributes:
	//   attribute.String("decision", "accepted"|"rejected")
	VADDecisions metric.Int64Counter

	// Interruptions counts user barge-ins detected during TTS playback.
	Interruptions metric.Int64Counter

	// TranscriptsDropped counts transcriptions rejected by the text
	// processor. Use with attribute:
	//   attribute.String("reason", "hallucination"|"duplicate"|"extension")
	TranscriptsDropped metric.Int64Counter

	// STTRetries counts strategy-level retries. Use with attribute:
	//   attribute.String("source", ...)
	STTRetries metric.Int64Counter

	// StrategyFallbacks counts browser→server strategy switches.
	StrategyFallbacks metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live call pipelines.
	ActiveCalls metric.Int64UpDownCounter

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

// sizeBuckets defines histogram bucket boundaries (in bytes) for flushed
// audio blobs.
var sizeBuckets = []float64{
	1 << 12, 1 << 14, 1 << 15, 1 << 16, 1 << 17, 1 << 18, 1 << 20,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionDuration, err = m.Float64Histogram("voicepipe.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription by source."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FlushBytes, err = m.Int64Histogram("voicepipe.flush.bytes",
		metric.WithDescription("Size of audio blobs flushed to transcription."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(sizeBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Transcripts, err = m.Int64Counter("voicepipe.transcripts",
		metric.WithDescription("Total forwarded transcriptions by source."),
	); err != nil {
		return nil, err
	}
	if met.VADDecisions, err = m.Int64Counter("voicepipe.vad.decisions",
		metric.WithDescription("Send-gate outcomes by decision."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("voicepipe.interruptions",
		metric.WithDescription("User barge-ins detected during TTS playback."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptsDropped, err = m.Int64Counter("voicepipe.transcripts.dropped",
		metric.WithDescription("Transcriptions rejected by the text processor, by reason."),
	); err != nil {
		return nil, err
	}
	if met.STTRetries, err = m.Int64Counter("voicepipe.stt.retries",
		metric.WithDescription("Strategy-level transcription retries by source."),
	); err != nil {
		return nil, err
	}
	if met.StrategyFallbacks, err = m.Int64Counter("voicepipe.stt.fallbacks",
		metric.WithDescription("Switches from streaming recognition to server transcription."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voicepipe.active_calls",
		metric.WithDescription("Number of live call pipelines."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicepipe.http.request.duration",
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

// RecordTranscript records one forwarded transcription.
func (m *Metrics) RecordTranscript(ctx context.Context, source string) {
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordVADDecision records one send-gate outcome.
func (m *Metrics) RecordVADDecision(ctx context.Context, accepted bool) {
	decision := "rejected"
	if accepted {
		decision = "accepted"
	}
	m.VADDecisions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("decision", decision)),
	)
}

// RecordDroppedTranscript records one text-processor rejection.
func (m *Metrics) RecordDroppedTranscript(ctx context.Context, reason string) {
	m.TranscriptsDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordRetry records one strategy-level retry.
func (m *Metrics) RecordRetry(ctx context.Context, source string) {
	m.STTRetries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}
