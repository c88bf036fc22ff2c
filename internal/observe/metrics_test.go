package observe

import (
	"context"
	"errors"
	"testing"
	"time"

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

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

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

// sumWhere returns the value of the int64 sum data point whose attribute key
// equals value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q has no point with %s=%s", name, key, value)
	return 0
}

func TestHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCycle(ctx, "landmarks", 20*time.Millisecond)
	m.RecordCycle(ctx, "landmarks", 30*time.Millisecond)
	m.RecordClassifier(ctx, 2*time.Second, nil)
	m.RecordClassifier(ctx, 3*time.Second, errors.New("timeout"))

	rm := collect(t, reader)
	for _, name := range []string{"moodwire.cycle.duration", "moodwire.classifier.duration"} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not found", name)
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok {
			t.Fatalf("metric %q is not a histogram", name)
		}
		if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 2 {
			t.Errorf("metric %q: want 2 samples in one point", name)
		}
	}

	errs := findMetric(rm, "moodwire.classifier.errors")
	if errs == nil {
		t.Fatal("classifier errors not recorded")
	}
	if v := errs.Data.(metricdata.Sum[int64]).DataPoints[0].Value; v != 1 {
		t.Errorf("classifier errors = %d, want 1", v)
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDroppedTick(ctx, "voice")
	m.RecordDroppedTick(ctx, "voice")
	m.RecordDetection(ctx, "labeling", "high")
	m.RecordIntervention(ctx, "high_severity")
	m.RecordMessage(ctx, "session", "ping")
	m.RecordReportSave(ctx, nil)
	m.RecordReportSave(ctx, errors.New("db down"))

	rm := collect(t, reader)
	if v := sumWhere(t, rm, "moodwire.cycle.dropped_ticks", "channel", "voice"); v != 2 {
		t.Errorf("dropped ticks = %d, want 2", v)
	}
	if v := sumWhere(t, rm, "moodwire.distortion.detections", "family", "labeling"); v != 1 {
		t.Errorf("detections = %d, want 1", v)
	}
	if v := sumWhere(t, rm, "moodwire.distortion.interventions", "reason", "high_severity"); v != 1 {
		t.Errorf("interventions = %d, want 1", v)
	}
	if v := sumWhere(t, rm, "moodwire.ws.messages", "type", "ping"); v != 1 {
		t.Errorf("messages = %d, want 1", v)
	}
	if v := sumWhere(t, rm, "moodwire.report.saves", "status", "error"); v != 1 {
		t.Errorf("failed saves = %d, want 1", v)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ConnectionOpened(ctx, "landmarks")
	m.ConnectionOpened(ctx, "landmarks")
	m.ConnectionClosed(ctx, "landmarks")

	rm := collect(t, reader)
	met := findMetric(rm, "moodwire.active_sessions")
	if met == nil {
		t.Fatal("active sessions not found")
	}
	if v := met.Data.(metricdata.Sum[int64]).DataPoints[0].Value; v != 2 {
		t.Errorf("active sessions = %d, want 2", v)
	}
	if v := sumWhere(t, rm, "moodwire.active_connections", "channel", "landmarks"); v != 1 {
		t.Errorf("active connections = %d, want 1", v)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different pointers")
	}
}
