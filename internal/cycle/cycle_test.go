package cycle

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/moodwire/internal/distortion"
	"github.com/MrWong99/moodwire/internal/indicator"
	"github.com/MrWong99/moodwire/internal/observe"
	"github.com/MrWong99/moodwire/internal/session"
	"github.com/MrWong99/moodwire/pkg/provider/classifier"
	"github.com/MrWong99/moodwire/pkg/provider/classifier/mock"
	"github.com/MrWong99/moodwire/pkg/types"
)

// recordConn captures messages sent to a channel.
type recordConn struct {
	mu   sync.Mutex
	msgs []session.Message
}

func (c *recordConn) Send(_ context.Context, m session.Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	return nil
}

func (c *recordConn) Close(string) {}

func (c *recordConn) Messages() []session.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]session.Message(nil), c.msgs...)
}

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func newRegistry(opts ...session.Option) *session.Registry {
	return session.NewRegistry(session.Config{
		Distortion: distortion.DefaultConfig(),
		Thresholds: indicator.DefaultThresholds(),
	}, opts...)
}

func pushFrames(s *session.Session, n int) {
	now := time.Now()
	for i := range n {
		s.Frames.Append(types.LandmarkFrame{Timestamp: now.Add(time.Duration(i) * 100 * time.Millisecond)})
	}
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestExpression_DrainsWindowInOneCall(t *testing.T) {
	t.Parallel()
	m, _ := testMetrics(t)
	s := newRegistry().Create("u", "c")
	conn := &recordConn{}
	s.Bind(session.ChannelLandmarks, conn)

	clf := &mock.Provider{Result: classifier.Result{Emotion: types.EmotionSad, Confidence: 0.7}}
	e := NewExpression(s, clf, Config{}, WithMetrics(m))

	pushFrames(s, 6)
	s.Speech.Append(types.SpeechSnippet{Start: time.Now(), End: time.Now(), Text: "나는 항상 실패해"})

	if !e.Tick(context.Background()) {
		t.Fatal("Tick did not start an analysis")
	}
	e.Wait()

	calls := clf.CallsSnapshot()
	if len(calls) != 1 {
		t.Fatalf("classifier calls = %d, want 1", len(calls))
	}
	if got := len(calls[0].Req.Frames); got != 6 {
		t.Errorf("frames sent = %d, want 6", got)
	}
	if calls[0].Req.Text != "나는 항상 실패해" {
		t.Errorf("text = %q", calls[0].Req.Text)
	}
	if s.Frames.Len() != 0 || s.Speech.Len() != 0 {
		t.Error("buffers not drained")
	}

	emotions := s.Emotions()
	if len(emotions) != 1 {
		t.Fatalf("emotion history = %d, want 1", len(emotions))
	}
	found := false
	for _, d := range emotions[0].Detections {
		if d.Family == distortion.Overgeneralization {
			found = true
		}
	}
	if !found {
		t.Errorf("overgeneralization not detected in %+v", emotions[0].Detections)
	}

	msgs := conn.Messages()
	if len(msgs) != 1 || msgs[0].Type != session.TypeEmotionUpdate {
		t.Fatalf("messages = %+v, want one emotion_update", msgs)
	}
	upd := msgs[0].Data.(EmotionUpdate)
	if upd.Emotion != types.EmotionSad || upd.FrameCount != 6 {
		t.Errorf("update = %+v", upd)
	}
}

func TestExpression_SkipsEmptyBuffer(t *testing.T) {
	t.Parallel()
	m, _ := testMetrics(t)
	s := newRegistry().Create("u", "c")
	clf := &mock.Provider{}
	e := NewExpression(s, clf, Config{}, WithMetrics(m))

	s.Speech.Append(types.SpeechSnippet{Text: "hello"})
	if e.Tick(context.Background()) {
		t.Error("Tick started an analysis without frames")
	}
	if clf.CallCount() != 0 {
		t.Error("classifier called")
	}
	if s.Speech.Len() != 1 {
		t.Error("speech drained without frames")
	}
}

func TestExpression_DropsTickWhileInFlight(t *testing.T) {
	t.Parallel()
	m, reader := testMetrics(t)
	s := newRegistry().Create("u", "c")

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	clf := &mock.Provider{Result: classifier.Result{Emotion: types.EmotionCalm}, Block: block, Started: started}
	e := NewExpression(s, clf, Config{}, WithMetrics(m))

	pushFrames(s, 3)
	if !e.Tick(context.Background()) {
		t.Fatal("first Tick did not start")
	}
	<-started

	pushFrames(s, 2)
	if e.Tick(context.Background()) {
		t.Error("second Tick started while in flight")
	}
	if s.Frames.Len() != 2 {
		t.Errorf("pending frames = %d, want 2 kept for the next tick", s.Frames.Len())
	}
	if got := counterTotal(t, reader, "moodwire.cycle.dropped_ticks"); got != 1 {
		t.Errorf("dropped ticks = %d, want 1", got)
	}

	close(block)
	e.Wait()
	if !e.Tick(context.Background()) {
		t.Fatal("Tick after completion did not start")
	}
	e.Wait()

	calls := clf.CallsSnapshot()
	if len(calls) != 2 || len(calls[1].Req.Frames) != 2 {
		t.Errorf("calls = %d, second frames = %d", len(calls), len(calls[len(calls)-1].Req.Frames))
	}
}

func TestExpression_ClassifierError(t *testing.T) {
	t.Parallel()
	m, reader := testMetrics(t)
	s := newRegistry().Create("u", "c")
	conn := &recordConn{}
	s.Bind(session.ChannelLandmarks, conn)

	clf := &mock.Provider{Err: errors.New("upstream 503")}
	e := NewExpression(s, clf, Config{}, WithMetrics(m))

	pushFrames(s, 2)
	e.Tick(context.Background())
	e.Wait()

	if n := len(s.Emotions()); n != 0 {
		t.Errorf("emotion history = %d after failure, want 0", n)
	}
	msgs := conn.Messages()
	if len(msgs) != 1 || msgs[0].Type != session.TypeError {
		t.Fatalf("messages = %+v, want one error", msgs)
	}
	if code := msgs[0].Data.(session.ErrorData).Code; code != session.CodeClassifierError {
		t.Errorf("code = %q, want %q", code, session.CodeClassifierError)
	}
	if got := counterTotal(t, reader, "moodwire.classifier.errors"); got != 1 {
		t.Errorf("classifier errors = %d, want 1", got)
	}

	// The cycle keeps working after a failure.
	clf.Err = nil
	clf.Result = classifier.Result{Emotion: types.EmotionNeutral}
	pushFrames(s, 1)
	e.Tick(context.Background())
	e.Wait()
	if n := len(s.Emotions()); n != 1 {
		t.Errorf("emotion history = %d after recovery, want 1", n)
	}
}

func TestExpression_ClassifierTimeout(t *testing.T) {
	t.Parallel()
	m, _ := testMetrics(t)
	s := newRegistry().Create("u", "c")
	conn := &recordConn{}
	s.Bind(session.ChannelLandmarks, conn)

	clf := &mock.Provider{Block: make(chan struct{})}
	e := NewExpression(s, clf, Config{ClassifierTimeout: 20 * time.Millisecond}, WithMetrics(m))

	pushFrames(s, 1)
	e.Tick(context.Background())
	e.Wait()

	msgs := conn.Messages()
	if len(msgs) != 1 || msgs[0].Type != session.TypeError {
		t.Fatalf("messages = %+v, want one error", msgs)
	}
}

func TestExpression_FinalFireInsideGrace(t *testing.T) {
	t.Parallel()
	m, _ := testMetrics(t)
	reg := newRegistry()
	s := reg.Create("u", "c")

	conn := &recordConn{}
	s.Bind(session.ChannelLandmarks, conn)
	pushFrames(s, 4)

	started := make(chan struct{}, 1)
	clf := &mock.Provider{Result: classifier.Result{Emotion: types.EmotionCalm}, Started: started}
	e := NewExpression(s, clf, Config{Interval: 10 * time.Millisecond, Grace: 300 * time.Millisecond}, WithMetrics(m))

	// End closes the connection; the router would then clear the slot.
	if _, err := reg.End(s.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	s.Unbind(session.ChannelLandmarks, conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("no classifier call inside the grace window")
	}
	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not exit after the grace window")
	}
	e.Wait()

	if clf.CallCount() != 1 {
		t.Errorf("classifier calls = %d, want 1", clf.CallCount())
	}
	if n := len(s.Emotions()); n != 1 {
		t.Errorf("emotion history = %d, want 1", n)
	}
}

func TestExpression_PausedSkipsAndStop(t *testing.T) {
	t.Parallel()
	m, _ := testMetrics(t)
	reg := newRegistry()
	s := reg.Create("u", "c")
	if _, err := reg.Pause(s.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	pushFrames(s, 2)

	clf := &mock.Provider{}
	e := NewExpression(s, clf, Config{Interval: 5 * time.Millisecond}, WithMetrics(m))
	e.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	e.Stop()
	e.Stop()

	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("Stop did not end the loop")
	}
	if clf.CallCount() != 0 {
		t.Errorf("classifier called %d times while paused", clf.CallCount())
	}
}

func TestExpression_RecoversPanic(t *testing.T) {
	t.Parallel()
	m, _ := testMetrics(t)
	s := newRegistry().Create("u", "c")
	e := NewExpression(s, panicClassifier{}, Config{}, WithMetrics(m))

	pushFrames(s, 1)
	e.Tick(context.Background())
	e.Wait()

	// The in-flight flag is released even after a panic.
	pushFrames(s, 1)
	if !e.Tick(context.Background()) {
		t.Error("Tick blocked after a panicking analysis")
	}
	e.Wait()
}

type panicClassifier struct{}

func (panicClassifier) Classify(context.Context, classifier.Request) (classifier.Result, error) {
	panic("boom")
}

func TestVoice_Tick(t *testing.T) {
	t.Parallel()
	m, _ := testMetrics(t)

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := start
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }

	s := newRegistry(session.WithClock(clock)).Create("u", "c")
	conn := &recordConn{}
	s.Bind(session.ChannelVoice, conn)
	v := NewVoice(s, Config{SeriesInterval: 5 * time.Second}, WithMetrics(m), WithClock(clock))

	if v.Tick(context.Background()) {
		t.Error("Tick reported work with no voice events")
	}

	s.Voice.Append(
		types.VoiceEvent{Timestamp: start, IsSpeech: true, Duration: 7700 * time.Millisecond},
		types.VoiceEvent{Timestamp: start.Add(7700 * time.Millisecond), IsSpeech: false, Duration: 2000 * time.Millisecond},
		types.VoiceEvent{Timestamp: start.Add(9700 * time.Millisecond), IsSpeech: true, Duration: 300 * time.Millisecond},
	)
	mu.Lock()
	now = start.Add(10 * time.Second)
	mu.Unlock()

	if !v.Tick(context.Background()) {
		t.Fatal("Tick did not analyse")
	}
	if s.Voice.Len() != 0 {
		t.Error("voice buffer not drained")
	}

	hist := s.VoiceHistory()
	if len(hist) != 1 {
		t.Fatalf("voice history = %d, want 1", len(hist))
	}
	got := hist[0].Metrics
	if math.Abs(got.SpeechRate-80) > 1e-6 || math.Abs(got.SilenceRate-20) > 1e-6 {
		t.Errorf("rates = %.2f/%.2f, want 80/20", got.SpeechRate, got.SilenceRate)
	}
	if got.InterruptionRate != 50 {
		t.Errorf("interruption rate = %.2f, want 50", got.InterruptionRate)
	}

	msgs := conn.Messages()
	if len(msgs) != 1 || msgs[0].Type != session.TypeVADAnalysis {
		t.Fatalf("messages = %+v, want one vad_analysis", msgs)
	}
	payload := msgs[0].Data.(VADAnalysis)
	if len(payload.TimeSeries) != 2 {
		t.Errorf("time series windows = %d, want 2", len(payload.TimeSeries))
	}
	if payload.Psychological.RiskScore != hist[0].Psychological.RiskScore {
		t.Error("sent analysis differs from the stored one")
	}

	// Running totals persist across ticks.
	if !v.Tick(context.Background()) {
		t.Error("second Tick did not analyse")
	}
	if len(s.VoiceHistory()) != 2 {
		t.Error("second tick not recorded")
	}
}
