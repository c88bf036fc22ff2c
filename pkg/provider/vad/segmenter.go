package vad

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/moodwire/pkg/types"
)

// Segmenter turns PCM chunks into voice events using a VAD session. Partial
// frames are carried over to the next chunk. It is safe for concurrent use,
// though chunks from one stream should arrive in order.
type Segmenter struct {
	cfg     Config
	session SessionHandle
	frame   time.Duration

	mu   sync.Mutex
	tail []byte
}

// NewSegmenter opens a session on eng for cfg.
func NewSegmenter(eng Engine, cfg Config) (*Segmenter, error) {
	if cfg.FrameBytes() <= 0 {
		return nil, fmt.Errorf("vad: invalid frame size %dms at %dHz", cfg.FrameSizeMs, cfg.SampleRate)
	}
	sess, err := eng.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("vad: new session: %w", err)
	}
	return &Segmenter{
		cfg:     cfg,
		session: sess,
		frame:   time.Duration(cfg.FrameSizeMs) * time.Millisecond,
	}, nil
}

// Feed classifies pcm, whose first sample was captured at start, and returns
// one event per run of equally-classified frames. Each event carries the mean
// normalised RMS of its frames as energy.
func (s *Segmenter) Feed(start time.Time, pcm []byte) ([]types.VoiceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Carried-over bytes belong before start.
	carried := len(s.tail) / 2
	at := start.Add(-time.Duration(carried) * time.Second / time.Duration(s.cfg.SampleRate))

	buf := append(s.tail, pcm...)
	fb := s.cfg.FrameBytes()

	var out []types.VoiceEvent
	var cur *types.VoiceEvent
	var energySum float64
	var frames int
	flush := func() {
		if cur == nil {
			return
		}
		e := energySum / float64(frames)
		cur.Energy = &e
		out = append(out, *cur)
		cur = nil
	}

	off := 0
	for ; off+fb <= len(buf); off += fb {
		frame := buf[off : off+fb]
		ev, err := s.session.ProcessFrame(frame)
		if err != nil {
			s.tail = nil
			return out, fmt.Errorf("vad: process frame: %w", err)
		}
		speech := ev.IsSpeech()
		if cur == nil || cur.IsSpeech != speech {
			flush()
			cur = &types.VoiceEvent{Timestamp: at, IsSpeech: speech}
			energySum, frames = 0, 0
		}
		cur.Duration += s.frame
		energySum += RMS(frame)
		frames++
		at = at.Add(s.frame)
	}
	flush()

	s.tail = append([]byte(nil), buf[off:]...)
	return out, nil
}

// Close closes the underlying session.
func (s *Segmenter) Close() error {
	return s.session.Close()
}

// RMS returns the root-mean-square level of little-endian 16-bit PCM,
// normalised to [0, 1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
