// Package observe provides application-wide observability primitives for
// RadioDan: OpenTelemetry metrics, tracing helpers, and HTTP middleware for
// the operations endpoint.
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

// meterName is the instrumentation scope name used for all RadioDan metrics.
const meterName = "github.com/OnePlanDan/radiodan"

// Metrics holds all OpenTelemetry metric instruments for the station.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// MixerCommandDuration tracks engine command round-trip latency. Use
	// with attribute.String("command", ...).
	MixerCommandDuration metric.Float64Histogram

	// TTSDuration tracks speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// LLMDuration tracks chat completion latency.
	LLMDuration metric.Float64Histogram

	// LibraryScanDuration tracks full music library scan latency.
	LibraryScanDuration metric.Float64Histogram

	// --- Counters ---

	// TracksPlayed counts tracks that went on air.
	TracksPlayed metric.Int64Counter

	// VoiceSegments counts voice segments by outcome. Use with attributes:
	//   attribute.String("plugin", ...), attribute.String("status", ...)
	VoiceSegments metric.Int64Counter

	// MixerErrors counts failed engine commands. Use with attribute:
	//   attribute.String("command", ...)
	MixerErrors metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks the planner's upcoming queue length.
	QueueDepth metric.Int64Gauge

	// LibraryTracks tracks the number of tracks in the music library.
	LibraryTracks metric.Int64Gauge

	// TimelineSubscribers tracks live timeline event subscribers.
	TimelineSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks ops endpoint request time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Engine
// commands return in milliseconds; local TTS and LLM back-ends can take tens
// of seconds.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.MixerCommandDuration, err = m.Float64Histogram("radiodan.mixer.command.duration",
		metric.WithDescription("Round-trip latency of engine telnet commands."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("radiodan.tts.duration",
		metric.WithDescription("Latency of speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("radiodan.llm.duration",
		metric.WithDescription("Latency of chat completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LibraryScanDuration, err = m.Float64Histogram("radiodan.library.scan.duration",
		metric.WithDescription("Latency of full music library scans."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TracksPlayed, err = m.Int64Counter("radiodan.tracks.played",
		metric.WithDescription("Total tracks that went on air."),
	); err != nil {
		return nil, err
	}
	if met.VoiceSegments, err = m.Int64Counter("radiodan.voice.segments",
		metric.WithDescription("Total voice segments by source plugin and outcome."),
	); err != nil {
		return nil, err
	}
	if met.MixerErrors, err = m.Int64Counter("radiodan.mixer.errors",
		metric.WithDescription("Total failed engine commands by command."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.QueueDepth, err = m.Int64Gauge("radiodan.queue.depth",
		metric.WithDescription("Upcoming queue length."),
	); err != nil {
		return nil, err
	}
	if met.LibraryTracks, err = m.Int64Gauge("radiodan.library.tracks",
		metric.WithDescription("Tracks in the music library."),
	); err != nil {
		return nil, err
	}
	if met.TimelineSubscribers, err = m.Int64UpDownCounter("radiodan.timeline.subscribers",
		metric.WithDescription("Live timeline event subscribers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("radiodan.http.request.duration",
		metric.WithDescription("Ops endpoint request latency by method and path."),
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

// RecordMixerCommand records one engine command round trip, incrementing the
// error counter when it failed.
func (m *Metrics) RecordMixerCommand(ctx context.Context, command string, seconds float64, failed bool) {
	m.MixerCommandDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("command", command)),
	)
	if failed {
		m.MixerErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("command", command)),
		)
	}
}

// RecordVoiceSegment records a finished voice segment.
func (m *Metrics) RecordVoiceSegment(ctx context.Context, plugin, status string) {
	m.VoiceSegments.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("plugin", plugin),
			attribute.String("status", status),
		),
	)
}

// RecordTrackPlayed records one track going on air.
func (m *Metrics) RecordTrackPlayed(ctx context.Context) {
	m.TracksPlayed.Add(ctx, 1)
}
