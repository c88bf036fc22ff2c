// Package energy provides a dependency-free VAD engine that classifies frames
// by their loudness.
//
// The frame RMS is converted to dBFS and mapped linearly onto a speech
// probability: -60 dBFS and below is 0, 0 dBFS is 1. A hysteresis between
// SpeechThreshold and SilenceThreshold keeps short dips inside words from
// splitting a segment. It is far less robust than a model-based detector but
// good enough for quiet counseling rooms with a headset microphone.
package energy

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/moodwire/pkg/provider/vad"
)

const floorDB = -60.0

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("energy: session closed")

// Engine implements vad.Engine.
type Engine struct{}

var _ vad.Engine = Engine{}

// New returns an energy VAD engine.
func New() Engine { return Engine{} }

// NewSession implements vad.Engine.
func (Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	switch {
	case cfg.SampleRate <= 0:
		return nil, fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	case cfg.FrameSizeMs <= 0:
		return nil, fmt.Errorf("energy: frame size must be positive, got %d", cfg.FrameSizeMs)
	case cfg.SpeechThreshold <= 0 || cfg.SpeechThreshold > 1:
		return nil, fmt.Errorf("energy: speech threshold must be in (0, 1], got %v", cfg.SpeechThreshold)
	case cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold:
		return nil, fmt.Errorf("energy: silence threshold must be in [0, speech threshold], got %v", cfg.SilenceThreshold)
	}
	return &Session{cfg: cfg, frameBytes: cfg.FrameBytes()}, nil
}

// Session implements vad.SessionHandle. It is safe for concurrent use.
type Session struct {
	cfg        vad.Config
	frameBytes int

	mu       sync.Mutex
	speaking bool
	closed   bool
}

var _ vad.SessionHandle = (*Session)(nil)

// Probability maps a normalised RMS level onto [0, 1].
func Probability(rms float64) float64 {
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	return min(max((db-floorDB)/-floorDB, 0), 1)
}

// ProcessFrame implements vad.SessionHandle.
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if len(frame) != s.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}
	p := Probability(vad.RMS(frame))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, ErrClosed
	}

	ev := vad.VADEvent{Probability: p}
	switch {
	case !s.speaking && p >= s.cfg.SpeechThreshold:
		s.speaking = true
		ev.Type = vad.VADSpeechStart
	case s.speaking && p < s.cfg.SilenceThreshold:
		s.speaking = false
		ev.Type = vad.VADSpeechEnd
	case s.speaking:
		ev.Type = vad.VADSpeechContinue
	default:
		ev.Type = vad.VADSilence
	}
	return ev, nil
}

// Reset implements vad.SessionHandle.
func (s *Session) Reset() {
	s.mu.Lock()
	s.speaking = false
	s.mu.Unlock()
}

// Close implements vad.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
