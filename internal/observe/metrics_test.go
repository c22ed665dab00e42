package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"radiodan.mixer.command.duration", m.MixerCommandDuration},
		{"radiodan.tts.duration", m.TTSDuration},
		{"radiodan.llm.duration", m.LLMDuration},
		{"radiodan.library.scan.duration", m.LibraryScanDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordMixerCommand(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordMixerCommand(ctx, "version", 0.01, false)
	m.RecordMixerCommand(ctx, "music_q.push", 0.02, false)
	m.RecordMixerCommand(ctx, "music_q.push", 5, true)

	rm := collect(t, reader)

	met := findMetric(rm, "radiodan.mixer.command.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("duration metric is not a histogram")
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("duration samples = %d, want 3", total)
	}

	met = findMetric(rm, "radiodan.mixer.errors")
	if met == nil {
		t.Fatal("error metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("error metric is not a sum")
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == "command" && kv.Value.AsString() == "music_q.push" {
				if dp.Value != 1 {
					t.Errorf("error count = %d, want 1", dp.Value)
				}
				return
			}
		}
	}
	t.Error("data point with command=music_q.push not found")
}

func TestVoiceSegmentsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordVoiceSegment(ctx, "presenter", "completed")
	m.RecordVoiceSegment(ctx, "presenter", "completed")
	m.RecordVoiceSegment(ctx, "presenter", "failed")
	m.RecordVoiceSegment(ctx, "dong", "completed")

	rm := collect(t, reader)
	met := findMetric(rm, "radiodan.voice.segments")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}

	for _, dp := range sum.DataPoints {
		plugin, status := "", ""
		for _, kv := range dp.Attributes.ToSlice() {
			switch string(kv.Key) {
			case "plugin":
				plugin = kv.Value.AsString()
			case "status":
				status = kv.Value.AsString()
			}
		}
		if plugin == "presenter" && status == "completed" {
			if dp.Value != 2 {
				t.Errorf("counter value = %d, want 2", dp.Value)
			}
			return
		}
	}
	t.Error("data point for presenter/completed not found")
}

func TestTracksPlayedCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTrackPlayed(ctx)
	m.RecordTrackPlayed(ctx)

	rm := collect(t, reader)
	met := findMetric(rm, "radiodan.tracks.played")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 2 {
		t.Errorf("counter = %+v, want value 2", sum.DataPoints)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.QueueDepth.Record(ctx, 5)
	m.QueueDepth.Record(ctx, 3)
	m.LibraryTracks.Record(ctx, 120)
	m.TimelineSubscribers.Add(ctx, 2)
	m.TimelineSubscribers.Add(ctx, -1)

	rm := collect(t, reader)

	met := findMetric(rm, "radiodan.queue.depth")
	if met == nil {
		t.Fatal("queue depth metric not found")
	}
	gauge, ok := met.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatal("queue depth is not a gauge")
	}
	if len(gauge.DataPoints) == 0 || gauge.DataPoints[0].Value != 3 {
		t.Errorf("queue depth = %+v, want last-written 3", gauge.DataPoints)
	}

	met = findMetric(rm, "radiodan.timeline.subscribers")
	if met == nil {
		t.Fatal("subscriber metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("subscriber metric is not a sum")
	}
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 1 {
		t.Errorf("subscribers = %+v, want 1", sum.DataPoints)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
