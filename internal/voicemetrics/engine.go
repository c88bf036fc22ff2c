// Package voicemetrics reduces a session's voice-activity events into running
// speech/silence metrics.
//
// Unlike the landmark buffer, the engine's segment lists are never drained:
// every metric is a running total since session start. Events are fed in
// incrementally with [Engine.Add] (typically by the voice analysis cycle after
// draining its buffer) and [Engine.Calculate] reduces whatever has
// accumulated so far.
//
// All methods are safe for concurrent use.
package voicemetrics

import (
	"iter"
	"sync"
	"time"

	"github.com/MrWong99/moodwire/pkg/types"
)

// InterruptionThreshold is the speech-segment length below which a turn is
// counted as an interruption.
const InterruptionThreshold = 500 * time.Millisecond

// Metrics is the seven-value voice summary plus the sample counts needed by
// downstream engines to tell "no data" from "all zeros".
type Metrics struct {
	// SpeechRate is total speech time as a percentage of elapsed time.
	SpeechRate float64 `json:"speechRate"`

	// SilenceRate is total silence time as a percentage of elapsed time.
	SilenceRate float64 `json:"silenceRate"`

	// AvgSpeechDuration is the mean speech segment length in milliseconds.
	AvgSpeechDuration float64 `json:"avgSpeechDuration"`

	// AvgSilenceDuration is the mean silence segment length in milliseconds.
	AvgSilenceDuration float64 `json:"avgSilenceDuration"`

	// SpeechTurnCount is the number of speech segments.
	SpeechTurnCount int `json:"speechTurnCount"`

	// InterruptionRate is the percentage of speech segments shorter than
	// [InterruptionThreshold].
	InterruptionRate float64 `json:"interruptionRate"`

	// EnergyVariance is the population variance of all energy readings.
	EnergyVariance float64 `json:"energyVariance"`

	// SilenceSegmentCount is the number of silence segments.
	SilenceSegmentCount int `json:"silenceSegmentCount"`

	// EnergySamples is the number of segments that carried an energy reading.
	EnergySamples int `json:"energySamples"`
}

// Samples returns the total number of segments the metrics were computed from.
func (m Metrics) Samples() int {
	return m.SpeechTurnCount + m.SilenceSegmentCount
}

// segment is one accumulated speech or silence stretch.
type segment struct {
	start     time.Time
	duration  time.Duration
	energy    float64
	hasEnergy bool
}

// Window is one bucket of [Engine.TimeSeries].
type Window struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	SpeechRatio  float64   `json:"speechRatio"`
	SilenceRatio float64   `json:"silenceRatio"`
}

// Option configures an [Engine].
type Option func(*Engine)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine accumulates speech and silence segments for one session.
type Engine struct {
	start time.Time
	now   func() time.Time

	mu      sync.Mutex
	speech  []segment
	silence []segment
}

// New returns an engine whose elapsed-time base is start (normally the
// session's start time).
func New(start time.Time, opts ...Option) *Engine {
	e := &Engine{start: start, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Add appends voice events to the running segment lists.
func (e *Engine) Add(events ...types.VoiceEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range events {
		if ev.Duration < 0 {
			continue
		}
		s := segment{start: ev.Timestamp, duration: ev.Duration}
		if ev.Energy != nil {
			s.energy = *ev.Energy
			s.hasEnergy = true
		}
		if ev.IsSpeech {
			e.speech = append(e.speech, s)
		} else {
			e.silence = append(e.silence, s)
		}
	}
}

// Len returns the number of accumulated segments.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.speech) + len(e.silence)
}

// Reset discards all accumulated segments.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.speech = nil
	e.silence = nil
}

// Calculate reduces the accumulated segments into [Metrics]. It never fails;
// an engine with no events yields all-zero metrics.
func (e *Engine) Calculate() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	elapsedMs := msOf(e.now().Sub(e.start))
	speechMs := totalMs(e.speech)
	silenceMs := totalMs(e.silence)

	var short int
	for _, s := range e.speech {
		if s.duration < InterruptionThreshold {
			short++
		}
	}

	variance, samples := energyVariance(e.speech, e.silence)

	return Metrics{
		SpeechRate:          ratio(speechMs, elapsedMs) * 100,
		SilenceRate:         ratio(silenceMs, elapsedMs) * 100,
		AvgSpeechDuration:   ratio(speechMs, float64(len(e.speech))),
		AvgSilenceDuration:  ratio(silenceMs, float64(len(e.silence))),
		SpeechTurnCount:     len(e.speech),
		InterruptionRate:    ratio(float64(short), float64(len(e.speech))) * 100,
		EnergyVariance:      variance,
		SilenceSegmentCount: len(e.silence),
		EnergySamples:       samples,
	}
}

// TimeSeries buckets the accumulated segments into fixed windows of length
// interval, from session start up to now, reporting the fraction of each
// window covered by speech and by silence. A segment is attributed to the
// window containing its start.
//
// The sequence is computed from a snapshot taken when TimeSeries is called
// and is single-use: ranging over it a second time yields nothing. Call
// TimeSeries again for a fresh sequence.
func (e *Engine) TimeSeries(interval time.Duration) iter.Seq[Window] {
	e.mu.Lock()
	speech := append([]segment(nil), e.speech...)
	silence := append([]segment(nil), e.silence...)
	start, end := e.start, e.now()
	e.mu.Unlock()

	used := false
	return func(yield func(Window) bool) {
		if used || interval <= 0 || !end.After(start) {
			return
		}
		used = true

		for ws := start; ws.Before(end); ws = ws.Add(interval) {
			we := ws.Add(interval)
			w := Window{
				Start:        ws,
				End:          we,
				SpeechRatio:  clamp01(ratio(windowMs(speech, ws, we), msOf(interval))),
				SilenceRatio: clamp01(ratio(windowMs(silence, ws, we), msOf(interval))),
			}
			if !yield(w) {
				return
			}
		}
	}
}

func windowMs(segs []segment, from, to time.Time) float64 {
	var ms float64
	for _, s := range segs {
		if !s.start.Before(from) && s.start.Before(to) {
			ms += msOf(s.duration)
		}
	}
	return ms
}

func energyVariance(lists ...[]segment) (float64, int) {
	var sum float64
	var n int
	for _, l := range lists {
		for _, s := range l {
			if s.hasEnergy {
				sum += s.energy
				n++
			}
		}
	}
	if n == 0 {
		return 0, 0
	}
	mean := sum / float64(n)
	var sq float64
	for _, l := range lists {
		for _, s := range l {
			if s.hasEnergy {
				d := s.energy - mean
				sq += d * d
			}
		}
	}
	return sq / float64(n), n
}

func totalMs(segs []segment) float64 {
	var ms float64
	for _, s := range segs {
		ms += msOf(s.duration)
	}
	return ms
}

func msOf(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// ratio divides a by b, returning 0 when b is not positive.
func ratio(a, b float64) float64 {
	if b <= 0 {
		return 0
	}
	return a / b
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
