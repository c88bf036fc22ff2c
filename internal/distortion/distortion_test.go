package distortion

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func find(ds []Detection, f Family) (Detection, bool) {
	for _, d := range ds {
		if d.Family == f {
			return d, true
		}
	}
	return Detection{}, false
}

func TestDetect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		text     string
		family   Family
		severity Severity
	}{
		{"korean overgeneralization", "나는 항상 실패해", Overgeneralization, SeverityMedium},
		{"korean catastrophizing", "다 끝장이야, 죽고 싶어", Magnification, SeverityHigh},
		{"english labeling", "I'm such a loser", Labeling, SeverityMedium},
		{"english self worth", "I am worthless", Labeling, SeverityHigh},
		{"should statement", "I should have called her", ShouldStatements, SeverityMedium},
		{"personalization", "It's all my fault", Personalization, SeverityMedium},
		{"disqualifying positive", "It was just luck", DisqualifyingPositive, SeverityMedium},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := New(DefaultConfig())
			got, ok := find(e.Detect(tc.text), tc.family)
			if !ok {
				t.Fatalf("Detect(%q) missing %s", tc.text, tc.family)
			}
			if got.Severity != tc.severity {
				t.Errorf("severity = %s, want %s", got.Severity, tc.severity)
			}
			if got.Confidence < 0.6 || got.Confidence > 1 {
				t.Errorf("confidence = %v, want in [0.6, 1]", got.Confidence)
			}
		})
	}
}

func TestDetect_Confidence(t *testing.T) {
	t.Parallel()

	e := New(DefaultConfig())
	// One keyword ("항상") and one regex: (0.5+0.8)/2 + 0.2.
	d, ok := find(e.Detect("나는 항상 실패해"), Overgeneralization)
	if !ok {
		t.Fatal("overgeneralization not detected")
	}
	if d.Confidence < 0.8499 || d.Confidence > 0.8501 {
		t.Errorf("confidence = %v, want 0.85", d.Confidence)
	}
}

func TestDetect_SingleKeywordMeetsThreshold(t *testing.T) {
	t.Parallel()

	e := New(DefaultConfig())
	d, ok := find(e.Detect("that was the worst"), Magnification)
	if !ok {
		t.Fatal("single keyword hit should reach 0.6")
	}
	if d.Severity != SeverityLow {
		t.Errorf("keyword-only severity = %s, want low", d.Severity)
	}
}

func TestDetect_ThresholdFilters(t *testing.T) {
	t.Parallel()

	e := New(Config{ConfidenceThreshold: 0.7})
	if _, ok := find(e.Detect("that was the worst"), Magnification); ok {
		t.Error("0.6 detection reported above a 0.7 threshold")
	}
}

func TestDetect_EmptyAndNeutral(t *testing.T) {
	t.Parallel()

	e := New(DefaultConfig())
	if got := e.Detect("   "); got != nil {
		t.Errorf("Detect(blank) = %v, want nil", got)
	}
	if got := e.Detect("오늘 점심은 맛있었어요"); len(got) != 0 {
		t.Errorf("Detect(neutral) = %v, want none", got)
	}
	if n := len(e.History()); n != 0 {
		t.Errorf("history = %d, want 0", n)
	}
}

func TestShouldIntervene_HighSeverity(t *testing.T) {
	t.Parallel()

	e := New(DefaultConfig())
	dec := e.ShouldIntervene(e.Detect("다 끝장이야, 죽고 싶어"))
	if !dec.Intervene || dec.Reason != ReasonHighSeverity || dec.Urgency != UrgencyImmediate {
		t.Errorf("decision = %+v, want high_severity/immediate", dec)
	}
	if dec.Primary == nil || dec.Primary.Family != Magnification {
		t.Errorf("primary = %+v, want magnification", dec.Primary)
	}
}

func TestShouldIntervene_RepeatedOnThirdCall(t *testing.T) {
	t.Parallel()

	clk := newClock()
	e := New(DefaultConfig(), WithClock(clk.now))
	const text = "나는 항상 실패해"

	for call := 1; call <= 3; call++ {
		dets := e.Detect(text)
		for _, d := range dets {
			if d.Severity == SeverityHigh {
				t.Fatalf("call %d: unexpected high severity %+v", call, d)
			}
		}
		dec := e.ShouldIntervene(dets)
		if call < 3 {
			if dec.Intervene {
				t.Fatalf("call %d: intervened early: %+v", call, dec)
			}
		} else {
			if !dec.Intervene || dec.Reason != ReasonRepeatedDistortion || dec.Urgency != UrgencySoon {
				t.Fatalf("call 3: decision = %+v, want repeated_distortion/soon", dec)
			}
		}
		clk.advance(2 * time.Minute)
	}
}

func TestShouldIntervene_RepeatWindowExpires(t *testing.T) {
	t.Parallel()

	clk := newClock()
	e := New(DefaultConfig(), WithClock(clk.now))
	e.Detect("나는 항상 실패해")
	e.Detect("나는 항상 실패해")
	clk.advance(11 * time.Minute)
	if dec := e.ShouldIntervene(e.Detect("나는 항상 실패해")); dec.Intervene {
		t.Errorf("stale history triggered: %+v", dec)
	}
}

func TestShouldIntervene_Multiple(t *testing.T) {
	t.Parallel()

	e := New(DefaultConfig())
	dets := e.Detect("I should be better. Everyone ignores me. It's my fault.")
	if len(dets) < 3 {
		t.Fatalf("detections = %d (%v), want >= 3", len(dets), dets)
	}
	dec := e.ShouldIntervene(dets)
	if !dec.Intervene || dec.Reason != ReasonMultipleDistortions || dec.Urgency != UrgencySoon {
		t.Errorf("decision = %+v, want multiple_distortions/soon", dec)
	}
}

func TestShouldIntervene_None(t *testing.T) {
	t.Parallel()

	e := New(DefaultConfig())
	dec := e.ShouldIntervene(e.Detect("I'm such a loser"))
	if dec.Intervene || dec.Urgency != UrgencyRoutine {
		t.Errorf("decision = %+v, want none/routine", dec)
	}
}

type stubGenerator struct{}

func (stubGenerator) Generate(d Detection) Content {
	return Content{Question: "q:" + string(d.Family), Task: "t"}
}

func TestProcess_FrequencyCap(t *testing.T) {
	t.Parallel()

	clk := newClock()
	e := New(DefaultConfig(), WithClock(clk.now), WithGenerator(stubGenerator{}))
	const text = "I am worthless"

	for i := range 3 {
		_, iv := e.Process(text)
		if iv == nil {
			t.Fatalf("call %d: no intervention", i+1)
		}
		if iv.Content.Question != "q:labeling" {
			t.Errorf("content = %+v", iv.Content)
		}
		clk.advance(time.Minute)
	}
	if e.CanIntervene() {
		t.Error("CanIntervene() = true after 3 interventions")
	}
	if _, iv := e.Process(text); iv != nil {
		t.Errorf("fourth intervention not suppressed: %+v", iv)
	}

	clk.advance(30 * time.Minute)
	if !e.CanIntervene() {
		t.Error("CanIntervene() = false after the window passed")
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	e := New(DefaultConfig())
	e.Process("I am worthless")
	e.Reset()
	if len(e.History()) != 0 || len(e.Interventions()) != 0 {
		t.Error("Reset left history behind")
	}
}

func TestDetect_Fuzzy(t *testing.T) {
	t.Parallel()

	strict := New(DefaultConfig())
	if _, ok := find(strict.Detect("what a catastrophy"), Magnification); ok {
		t.Fatal("misspelling matched without fuzzy matching")
	}

	cfg := DefaultConfig()
	cfg.FuzzyThreshold = 0.9
	fuzzy := New(cfg)
	if _, ok := find(fuzzy.Detect("what a catastrophy"), Magnification); !ok {
		t.Error("fuzzy matching missed a near keyword")
	}
}
