package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/moodwire/internal/buffer"
	"github.com/MrWong99/moodwire/internal/distortion"
	"github.com/MrWong99/moodwire/internal/fusion"
	"github.com/MrWong99/moodwire/internal/indicator"
	"github.com/MrWong99/moodwire/internal/voicemetrics"
	"github.com/MrWong99/moodwire/pkg/provider/vad"
	"github.com/MrWong99/moodwire/pkg/types"
)

// Sentinel errors returned by the registry.
var (
	// ErrNotFound is returned when no session has the requested id.
	ErrNotFound = errors.New("session: not found")

	// ErrInvalidState is returned for a transition the state machine does
	// not allow.
	ErrInvalidState = errors.New("session: invalid state transition")

	// ErrNotConnected is returned by [Session.Send] when the channel has no
	// live connection.
	ErrNotConnected = errors.New("session: channel not connected")
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusEnded  Status = "ended"
)

// Channel names one of the three real-time streams bound to a session.
type Channel string

const (
	ChannelLandmarks Channel = "landmarks"
	ChannelVoice     Channel = "voice"
	ChannelSession   Channel = "session"
)

// Channels lists every channel in binding order.
var Channels = []Channel{ChannelLandmarks, ChannelVoice, ChannelSession}

// ParseChannel validates s as a channel name.
func ParseChannel(s string) (Channel, bool) {
	switch c := Channel(s); c {
	case ChannelLandmarks, ChannelVoice, ChannelSession:
		return c, true
	}
	return "", false
}

// Conn is a live connection bound to one channel slot.
type Conn interface {
	// Send writes m to the peer.
	Send(ctx context.Context, m Message) error

	// Close ends the connection with a normal closure. It must not block
	// on the peer.
	Close(reason string)
}

// Cycle is a running per-channel analysis loop.
type Cycle interface {
	Stop()
}

// Counts summarises how much a session has accumulated.
type Counts struct {
	PendingFrames   int `json:"pendingFrames"`
	PendingSnippets int `json:"pendingSnippets"`
	TotalFrames     int `json:"totalFrames"`
	VoiceEvents     int `json:"voiceEvents"`
	Emotions        int `json:"emotions"`
	VoiceAnalyses   int `json:"voiceAnalyses"`
	Detections      int `json:"detections"`
	Interventions   int `json:"interventions"`
	Connections     int `json:"connections"`
}

// Info is a point-in-time view of a session for the HTTP API and status
// messages.
type Info struct {
	ID          string     `json:"sessionId"`
	UserID      string     `json:"userId"`
	CounselorID string     `json:"counselorId"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	PausedAt    *time.Time `json:"pausedAt,omitempty"`
	ResumedAt   *time.Time `json:"resumedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	Duration    string     `json:"duration"`
	Counts      Counts     `json:"counts"`
}

// Session is one live counseling session.
type Session struct {
	ID          string
	UserID      string
	CounselorID string

	// Frames, Voice and Speech are the windowed signal buffers.
	Frames *buffer.Buffer[types.LandmarkFrame]
	Voice  *buffer.Buffer[types.VoiceEvent]
	Speech *buffer.Buffer[types.SpeechSnippet]

	Distortion   *distortion.Engine
	VoiceMetrics *voicemetrics.Engine
	Indicator    *indicator.Engine

	now func() time.Time

	mu        sync.Mutex
	status    Status
	startedAt time.Time
	pausedAt  *time.Time
	resumedAt *time.Time
	endedAt   *time.Time
	conns     map[Channel]Conn
	cycles    map[Channel]Cycle
	emotions  []fusion.EmotionRecord
	voice     []fusion.VoiceRecord
	segmenter *vad.Segmenter
}

func newSession(id, userID, counselorID string, cfg Config, now func() time.Time) *Session {
	start := now()
	dopts := []distortion.Option{distortion.WithClock(now)}
	if cfg.Generator != nil {
		dopts = append(dopts, distortion.WithGenerator(cfg.Generator))
	}
	return &Session{
		ID:           id,
		UserID:       userID,
		CounselorID:  counselorID,
		Frames:       buffer.New[types.LandmarkFrame](),
		Voice:        buffer.New[types.VoiceEvent](),
		Speech:       buffer.New[types.SpeechSnippet](),
		Distortion:   distortion.New(cfg.Distortion, dopts...),
		VoiceMetrics: voicemetrics.New(start, voicemetrics.WithClock(now)),
		Indicator:    indicator.New(cfg.Thresholds),
		now:          now,
		status:       StatusActive,
		startedAt:    start,
		conns:        make(map[Channel]Conn, len(Channels)),
		cycles:       make(map[Channel]Cycle, len(Channels)),
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// EndedAt returns when the session ended, or nil.
func (s *Session) EndedAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// Gate decides what an analysis cycle does at now. run is true while the
// session is active or ended no longer than grace ago. stop is true once an
// ended session is past its grace window and the cycle should exit.
func (s *Session) Gate(now time.Time, grace time.Duration) (run, stop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusActive:
		return true, false
	case StatusEnded:
		if now.Sub(*s.endedAt) <= grace {
			return true, false
		}
		return false, true
	}
	return false, false
}

// Duration is the time from start to end, or to now while not ended.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durationLocked()
}

func (s *Session) durationLocked() time.Duration {
	if s.endedAt != nil {
		return s.endedAt.Sub(s.startedAt)
	}
	return s.now().Sub(s.startedAt)
}

func (s *Session) pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return fmt.Errorf("session: pause %s from %s: %w", s.ID, s.status, ErrInvalidState)
	}
	t := s.now()
	s.status = StatusPaused
	s.pausedAt = &t
	return nil
}

func (s *Session) resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusPaused {
		return fmt.Errorf("session: resume %s from %s: %w", s.ID, s.status, ErrInvalidState)
	}
	t := s.now()
	s.status = StatusActive
	s.resumedAt = &t
	return nil
}

// end marks the session ended and returns the connections to close. It
// reports false when the session had already ended.
func (s *Session) end() ([]Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusEnded {
		return nil, false
	}
	t := s.now()
	s.status = StatusEnded
	s.endedAt = &t
	conns := make([]Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns, true
}

// Bind stores c in the slot for ch. A previous connection in that slot is
// closed.
func (s *Session) Bind(ch Channel, c Conn) {
	s.mu.Lock()
	prev := s.conns[ch]
	s.conns[ch] = c
	s.mu.Unlock()
	if prev != nil && prev != c {
		prev.Close("replaced by a new connection")
	}
}

// Unbind clears the slot for ch if it still holds c. It reports whether
// every slot is now empty.
func (s *Session) Unbind(ch Channel, c Conn) (empty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[ch] == c {
		delete(s.conns, ch)
	}
	return len(s.conns) == 0
}

// Conn returns the connection bound to ch, or nil.
func (s *Session) Conn(ch Channel) Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[ch]
}

// Idle reports whether the session is ended and no channel is bound.
func (s *Session) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusEnded && len(s.conns) == 0
}

// Send writes m to the connection bound to ch.
func (s *Session) Send(ctx context.Context, ch Channel, m Message) error {
	c := s.Conn(ch)
	if c == nil {
		return ErrNotConnected
	}
	return c.Send(ctx, m)
}

// Broadcast sends m to every bound channel except the given one. Send
// failures are joined.
func (s *Session) Broadcast(ctx context.Context, m Message, except Channel) error {
	var errs []error
	for _, ch := range Channels {
		if ch == except {
			continue
		}
		if err := s.Send(ctx, ch, m); err != nil && !errors.Is(err, ErrNotConnected) {
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

// EnsureCycle starts the cycle for ch via start unless one already exists.
// It reports whether a new cycle was started.
func (s *Session) EnsureCycle(ch Channel, start func() Cycle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cycles[ch]; ok {
		return false
	}
	s.cycles[ch] = start()
	return true
}

// StopCycles stops every running cycle.
func (s *Session) StopCycles() {
	s.mu.Lock()
	cycles := s.cycles
	s.cycles = make(map[Channel]Cycle, len(Channels))
	s.mu.Unlock()
	for _, c := range cycles {
		c.Stop()
	}
}

// AppendEmotion adds an expression cycle result to the history.
func (s *Session) AppendEmotion(r fusion.EmotionRecord) {
	s.mu.Lock()
	s.emotions = append(s.emotions, r)
	s.mu.Unlock()
}

// AppendVoice adds a voice cycle result to the history.
func (s *Session) AppendVoice(r fusion.VoiceRecord) {
	s.mu.Lock()
	s.voice = append(s.voice, r)
	s.mu.Unlock()
}

// Emotions returns a copy of the emotion history.
func (s *Session) Emotions() []fusion.EmotionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fusion.EmotionRecord, len(s.emotions))
	copy(out, s.emotions)
	return out
}

// VoiceHistory returns a copy of the voice analysis history.
func (s *Session) VoiceHistory() []fusion.VoiceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fusion.VoiceRecord, len(s.voice))
	copy(out, s.voice)
	return out
}

// Segmenter returns the session's audio segmenter, creating it with newSeg
// on first use.
func (s *Session) Segmenter(newSeg func() (*vad.Segmenter, error)) (*vad.Segmenter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.segmenter != nil {
		return s.segmenter, nil
	}
	seg, err := newSeg()
	if err != nil {
		return nil, err
	}
	s.segmenter = seg
	return seg, nil
}

// closeSegmenter releases the audio segmenter, if any.
func (s *Session) closeSegmenter() error {
	s.mu.Lock()
	seg := s.segmenter
	s.segmenter = nil
	s.mu.Unlock()
	if seg == nil {
		return nil
	}
	return seg.Close()
}

// Counts returns the current accumulation counters.
func (s *Session) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countsLocked()
}

func (s *Session) countsLocked() Counts {
	c := Counts{
		PendingFrames:   s.Frames.Len(),
		PendingSnippets: s.Speech.Len(),
		TotalFrames:     s.Frames.Total(),
		VoiceEvents:     s.VoiceMetrics.Len(),
		Emotions:        len(s.emotions),
		VoiceAnalyses:   len(s.voice),
		Connections:     len(s.conns),
	}
	for _, r := range s.emotions {
		c.Detections += len(r.Detections)
		if r.Intervention != nil {
			c.Interventions++
		}
	}
	return c
}

// Info returns a point-in-time view of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:          s.ID,
		UserID:      s.UserID,
		CounselorID: s.CounselorID,
		Status:      s.status,
		StartedAt:   s.startedAt,
		PausedAt:    s.pausedAt,
		ResumedAt:   s.resumedAt,
		EndedAt:     s.endedAt,
		Duration:    s.durationLocked().Round(time.Millisecond).String(),
		Counts:      s.countsLocked(),
	}
}

// Snapshot collects the histories for report generation. Detections and
// interventions come from the emotion history so they survive the distortion
// reset performed on end.
func (s *Session) Snapshot() fusion.Snapshot {
	s.mu.Lock()
	snap := fusion.Snapshot{
		SessionID: s.ID,
		Duration:  s.durationLocked(),
		Emotions:  make([]fusion.EmotionRecord, len(s.emotions)),
		Voice:     make([]fusion.VoiceRecord, len(s.voice)),
	}
	copy(snap.Emotions, s.emotions)
	copy(snap.Voice, s.voice)
	s.mu.Unlock()

	for _, r := range snap.Emotions {
		snap.Detections = append(snap.Detections, r.Detections...)
		if r.Intervention != nil {
			snap.Interventions = append(snap.Interventions, *r.Intervention)
		}
	}
	snap.Metrics = s.VoiceMetrics.Calculate()
	return snap
}
