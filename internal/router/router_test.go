package router

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/moodwire/internal/cycle"
	"github.com/MrWong99/moodwire/internal/distortion"
	"github.com/MrWong99/moodwire/internal/fusion"
	"github.com/MrWong99/moodwire/internal/indicator"
	"github.com/MrWong99/moodwire/internal/observe"
	"github.com/MrWong99/moodwire/internal/session"
	"github.com/MrWong99/moodwire/internal/store"
	"github.com/MrWong99/moodwire/internal/store/memstore"
	"github.com/MrWong99/moodwire/pkg/provider/classifier"
	"github.com/MrWong99/moodwire/pkg/provider/classifier/mock"
	"github.com/MrWong99/moodwire/pkg/provider/vad"
	"github.com/MrWong99/moodwire/pkg/provider/vad/energy"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

type harness struct {
	reg *session.Registry
	mem *memstore.Store
	rep *store.Reporter
	srv *httptest.Server
}

// wireMsg is an outbound message as the client sees it.
type wireMsg struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	reg := session.NewRegistry(session.Config{
		Distortion: distortion.DefaultConfig(),
		Thresholds: indicator.DefaultThresholds(),
	}, session.WithMetrics(m))
	mem := memstore.New()
	rep := store.NewReporter(mem, fusion.New(indicator.DefaultThresholds()), time.Second)

	cfg := Config{
		Sessions:   reg,
		Classifier: &mock.Provider{Result: classifier.Result{Emotion: "calm"}},
		VAD:        energy.New(),
		VADConfig:  vad.Config{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 0.5, SilenceThreshold: 0.3},
		Reporter:   rep,
		Metrics:    m,
		Expression: cycle.Config{Interval: time.Hour},
		Voice:      cycle.Config{Interval: time.Hour},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := New(ctx, cfg)
	mux := http.NewServeMux()
	rt.Register(mux)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		rt.Close()
		reg.Close()
		rep.Wait()
		cancel()
	})
	return &harness{reg: reg, mem: mem, rep: rep, srv: srv}
}

func (h *harness) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + path
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) wireMsg {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m wireMsg
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return m
}

func writeMsg(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, want websocket.StatusCode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, _, err := conn.Read(ctx)
		if err == nil {
			continue
		}
		if got := websocket.CloseStatus(err); got != want {
			t.Fatalf("close status = %v (err %v), want %v", got, err, want)
		}
		return
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func points(n int) []map[string]float64 {
	out := make([]map[string]float64, n)
	for i := range out {
		out[i] = map[string]float64{"x": 0.5, "y": 0.5, "z": 0}
	}
	return out
}

// ── Addressing ────────────────────────────────────────────────────────────────

func TestRejectsBadAddress(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	s := h.reg.Create("u", "c")

	tests := []struct {
		name string
		path string
	}{
		{"unknown channel", "/ws/video?sessionId=" + s.ID},
		{"missing session id", "/ws/landmarks"},
		{"unknown session", "/ws/landmarks?sessionId=session-0-deadbeef"},
		{"unknown session path form", "/ws/voice/session-0-deadbeef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := h.dial(t, tt.path)
			expectClose(t, conn, websocket.StatusPolicyViolation)
		})
	}
}

func TestConnected_BothAddressForms(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	s := h.reg.Create("u", "c")

	for _, path := range []string{
		"/ws/landmarks?sessionId=" + s.ID,
		"/ws/voice/" + s.ID,
	} {
		conn := h.dial(t, path)
		m := readMsg(t, conn)
		if m.Type != session.TypeConnected {
			t.Fatalf("%s: first message = %q, want connected", path, m.Type)
		}
		var data session.ConnectedData
		_ = json.Unmarshal(m.Data, &data)
		if data.SessionID != s.ID {
			t.Errorf("%s: sessionId = %q", path, data.SessionID)
		}
	}
	eventually(t, "both channels bound", func() bool {
		return s.Conn(session.ChannelLandmarks) != nil && s.Conn(session.ChannelVoice) != nil
	})
}

func TestReplacesPreviousConnection(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	s := h.reg.Create("u", "c")

	first := h.dial(t, "/ws/landmarks/"+s.ID)
	readMsg(t, first)
	second := h.dial(t, "/ws/landmarks/"+s.ID)
	readMsg(t, second)

	expectClose(t, first, websocket.StatusNormalClosure)
	writeMsg(t, second, map[string]any{"type": "landmarks", "data": points(5)})
	eventually(t, "frame from the new connection", func() bool { return s.Frames.Len() == 1 })
}

func TestHeartbeatClosesUnresponsiveConnection(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.HeartbeatInterval = 50 * time.Millisecond })
	s := h.reg.Create("u", "c")

	// Pongs are only sent while the client reads, so it stops after connected.
	conn := h.dial(t, "/ws/session/"+s.ID)
	readMsg(t, conn)
	eventually(t, "session channel bound", func() bool { return s.Conn(session.ChannelSession) != nil })

	eventually(t, "unanswered ping to drop the connection", func() bool {
		return s.Conn(session.ChannelSession) == nil
	})
}

func TestHeartbeatKeepsResponsiveConnection(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.HeartbeatInterval = 50 * time.Millisecond })
	s := h.reg.Create("u", "c")

	conn := h.dial(t, "/ws/session/"+s.ID)
	readMsg(t, conn)

	// CloseRead keeps reading in the background so pings are answered.
	ctx := conn.CloseRead(context.Background())
	time.Sleep(300 * time.Millisecond)
	if ctx.Err() != nil {
		t.Fatal("responsive connection was closed")
	}
	if s.Conn(session.ChannelSession) == nil {
		t.Fatal("responsive connection was unbound")
	}
}

// ── Ingestion ─────────────────────────────────────────────────────────────────

func TestLandmarksIngestion(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	s := h.reg.Create("u", "c")
	conn := h.dial(t, "/ws/landmarks?sessionId="+s.ID)
	readMsg(t, conn)

	writeMsg(t, conn, map[string]any{"type": "landmarks", "data": points(3)})
	writeMsg(t, conn, map[string]any{"type": "landmarks", "data": map[string]any{"timestamp": 1767268800000, "points": points(3)}})
	eventually(t, "two frames", func() bool { return s.Frames.Len() == 2 })

	writeMsg(t, conn, map[string]any{"type": "landmarks", "data": []any{}})
	m := readMsg(t, conn)
	if m.Type != session.TypeError {
		t.Fatalf("type = %q, want error", m.Type)
	}
	var e session.ErrorData
	_ = json.Unmarshal(m.Data, &e)
	if e.Code != session.CodeParseError {
		t.Errorf("code = %q, want %q", e.Code, session.CodeParseError)
	}
}

func TestParseErrorKeepsConnection(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	s := h.reg.Create("u", "c")
	conn := h.dial(t, "/ws/session/"+s.ID)
	readMsg(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m := readMsg(t, conn); m.Type != session.TypeError {
		t.Fatalf("type = %q, want error", m.Type)
	}

	writeMsg(t, conn, map[string]any{"type": "ping"})
	if m := readMsg(t, conn); m.Type != session.TypePong {
		t.Errorf("type = %q, want pong", m.Type)
	}
}

func TestVoiceIngestion(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	s := h.reg.Create("u", "c")
	conn := h.dial(t, "/ws/voice/"+s.ID)
	readMsg(t, conn)

	writeMsg(t, conn, map[string]any{"type": "vad_result", "data": map[string]any{"isSpeech": true, "duration": 1200, "energy": 0.4}})
	writeMsg(t, conn, map[string]any{"type": "stt_text", "data": map[string]any{"text": "I should be better"}})
	eventually(t, "vad and stt buffered", func() bool { return s.Voice.Len() == 1 && s.Speech.Len() == 1 })

	// 200ms of loud square wave.
	pcm := make([]byte, 16000/5*2)
	for i := 0; i < len(pcm)/2; i++ {
		v := int16(16000)
		if i%2 == 1 {
			v = -16000
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	writeMsg(t, conn, map[string]any{"type": "audio_chunk", "data": map[string]any{"audio": base64.StdEncoding.EncodeToString(pcm)}})
	eventually(t, "audio segmented", func() bool { return s.Voice.Len() >= 2 })

	writeMsg(t, conn, map[string]any{"type": "landmarks", "data": points(1)})
	m := readMsg(t, conn)
	var e session.ErrorData
	_ = json.Unmarshal(m.Data, &e)
	if m.Type != session.TypeError || e.Code != session.CodeUnknownType {
		t.Errorf("got %s %+v, want UNKNOWN_TYPE error", m.Type, e)
	}
}

func TestAudioChunkWithoutVAD(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.VAD = nil })
	s := h.reg.Create("u", "c")
	conn := h.dial(t, "/ws/voice/"+s.ID)
	readMsg(t, conn)

	writeMsg(t, conn, map[string]any{"type": "audio_chunk", "data": map[string]any{"audio": ""}})
	m := readMsg(t, conn)
	var e session.ErrorData
	_ = json.Unmarshal(m.Data, &e)
	if e.Code != session.CodeAudioError {
		t.Errorf("code = %q, want %q", e.Code, session.CodeAudioError)
	}
}

// ── Control channel ───────────────────────────────────────────────────────────

func TestControl_PauseResumeBroadcast(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	s := h.reg.Create("u", "c")

	ctl := h.dial(t, "/ws/session/"+s.ID)
	readMsg(t, ctl)
	lm := h.dial(t, "/ws/landmarks/"+s.ID)
	readMsg(t, lm)
	eventually(t, "landmarks bound", func() bool { return s.Conn(session.ChannelLandmarks) != nil })

	writeMsg(t, ctl, map[string]any{"type": "pause"})
	for name, conn := range map[string]*websocket.Conn{"session": ctl, "landmarks": lm} {
		m := readMsg(t, conn)
		var st session.StatusData
		_ = json.Unmarshal(m.Data, &st)
		if m.Type != session.TypeStatusUpdate || st.Status != session.StatusPaused {
			t.Errorf("%s got %s %+v, want status_update paused", name, m.Type, st)
		}
	}

	writeMsg(t, ctl, map[string]any{"type": "pause"})
	m := readMsg(t, ctl)
	var e session.ErrorData
	_ = json.Unmarshal(m.Data, &e)
	if m.Type != session.TypeError || e.Code != session.CodeInvalidState {
		t.Errorf("second pause got %s %+v, want INVALID_STATE", m.Type, e)
	}

	writeMsg(t, ctl, map[string]any{"type": "resume"})
	m = readMsg(t, ctl)
	var st session.StatusData
	_ = json.Unmarshal(m.Data, &st)
	if st.Status != session.StatusActive {
		t.Errorf("status after resume = %q", st.Status)
	}

	writeMsg(t, ctl, map[string]any{"type": "get_status"})
	if m := readMsg(t, ctl); m.Type != session.TypeStatusUpdate {
		t.Errorf("get_status reply = %q", m.Type)
	}
}

func TestControl_EndSavesReportAndDeletes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.DeletionDelay = 50 * time.Millisecond })
	s := h.reg.Create("u", "c")

	ctl := h.dial(t, "/ws/session?sessionId="+s.ID)
	readMsg(t, ctl)
	lm := h.dial(t, "/ws/landmarks?sessionId="+s.ID)
	readMsg(t, lm)
	eventually(t, "landmarks bound", func() bool { return s.Conn(session.ChannelLandmarks) != nil })

	writeMsg(t, ctl, map[string]any{"type": "end"})

	m := readMsg(t, ctl)
	var st session.StatusData
	_ = json.Unmarshal(m.Data, &st)
	if m.Type != session.TypeStatusUpdate || st.Status != session.StatusEnded {
		t.Errorf("got %s %+v, want status_update ended", m.Type, st)
	}
	expectClose(t, ctl, websocket.StatusNormalClosure)
	expectClose(t, lm, websocket.StatusNormalClosure)

	eventually(t, "report saved", func() bool {
		_, err := h.mem.Report(context.Background(), s.ID)
		return err == nil
	})
	eventually(t, "session deleted", func() bool {
		_, err := h.reg.Get(s.ID)
		return errors.Is(err, session.ErrNotFound)
	})
}

func TestDeferredDeletion_SkippedOnReconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.DeletionDelay = 100 * time.Millisecond })
	s := h.reg.Create("u", "c")

	ctl := h.dial(t, "/ws/session/"+s.ID)
	readMsg(t, ctl)
	writeMsg(t, ctl, map[string]any{"type": "end"})
	readMsg(t, ctl)
	expectClose(t, ctl, websocket.StatusNormalClosure)
	eventually(t, "slot cleared", func() bool { return s.Conn(session.ChannelSession) == nil })

	// A lagging channel reconnects inside the deletion delay.
	late := h.dial(t, "/ws/voice/"+s.ID)
	readMsg(t, late)
	time.Sleep(200 * time.Millisecond)

	if _, err := h.reg.Get(s.ID); err != nil {
		t.Errorf("session deleted while a channel was bound: %v", err)
	}
}
