package store_test

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/moodwire/internal/distortion"
	"github.com/MrWong99/moodwire/internal/fusion"
	"github.com/MrWong99/moodwire/internal/indicator"
	"github.com/MrWong99/moodwire/internal/observe"
	"github.com/MrWong99/moodwire/internal/session"
	"github.com/MrWong99/moodwire/internal/store"
	"github.com/MrWong99/moodwire/internal/store/memstore"
)

func newMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newSession(t *testing.T) (*session.Registry, *session.Session) {
	t.Helper()
	reg := session.NewRegistry(session.Config{
		Distortion: distortion.DefaultConfig(),
		Thresholds: indicator.DefaultThresholds(),
	})
	return reg, reg.Create("user-1", "counselor-1")
}

func TestSave(t *testing.T) {
	t.Parallel()
	reg, s := newSession(t)
	dets, iv := s.Distortion.Process("I am worthless")
	s.AppendEmotion(fusion.EmotionRecord{Emotion: "sad", Text: "I am worthless", Detections: dets, Intervention: iv})
	if _, err := reg.End(s.ID); err != nil {
		t.Fatalf("End: %v", err)
	}

	mem := memstore.New()
	fe := fusion.New(indicator.DefaultThresholds())
	r, err := store.Save(context.Background(), mem, fe, s)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if r.SessionID != s.ID {
		t.Errorf("report session = %q, want %q", r.SessionID, s.ID)
	}

	got, err := mem.Report(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if got.CBTSummary.TotalDetections != len(dets) {
		t.Errorf("stored detections = %d, want %d", got.CBTSummary.TotalDetections, len(dets))
	}

	sum, ok := mem.Summary(s.ID)
	if !ok {
		t.Fatal("summary not stored")
	}
	if sum.Status != session.StatusEnded || sum.UserID != "user-1" || sum.Emotions != 1 || sum.Interventions != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.RiskLevel != string(r.OverallAssessment.RiskLevel) {
		t.Errorf("risk level = %q, want %q", sum.RiskLevel, r.OverallAssessment.RiskLevel)
	}

	// Saving again replaces the earlier rows.
	if _, err := store.Save(context.Background(), mem, fe, s); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if mem.Len() != 1 {
		t.Errorf("reports = %d, want 1", mem.Len())
	}
}

func TestReport_NotFound(t *testing.T) {
	t.Parallel()
	_, err := memstore.New().Report(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGuard_SwallowsWriteErrors(t *testing.T) {
	t.Parallel()
	mem := memstore.New()
	mem.Err = errors.New("connection refused")
	g := store.NewGuard(mem, newMetrics(t))

	if err := g.UpsertReport(context.Background(), fusion.Report{SessionID: "s"}); err != nil {
		t.Errorf("UpsertReport error leaked: %v", err)
	}
	if err := g.UpsertSessionSummary(context.Background(), store.Summary{SessionID: "s"}); err != nil {
		t.Errorf("UpsertSessionSummary error leaked: %v", err)
	}
	if !g.IsDegraded() {
		t.Error("guard not degraded after failures")
	}

	mem.Err = nil
	if err := g.UpsertReport(context.Background(), fusion.Report{SessionID: "s"}); err != nil {
		t.Fatalf("UpsertReport: %v", err)
	}
	if g.IsDegraded() {
		t.Error("guard still degraded after success")
	}
	if _, err := g.Report(context.Background(), "s"); err != nil {
		t.Errorf("Report: %v", err)
	}
	if _, err := g.Report(context.Background(), "other"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Report(other) = %v, want ErrNotFound", err)
	}
}

func TestReporter_SaveAsync(t *testing.T) {
	t.Parallel()
	_, s := newSession(t)
	mem := memstore.New()
	rep := store.NewReporter(mem, fusion.New(indicator.DefaultThresholds()), 0)

	rep.SaveAsync(s)
	rep.Wait()

	got, err := rep.Stored(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Stored: %v", err)
	}
	if got.SessionID != s.ID {
		t.Errorf("stored session = %q", got.SessionID)
	}
	if live := rep.Latest(s); live.SessionID != s.ID {
		t.Errorf("live session = %q", live.SessionID)
	}
}
