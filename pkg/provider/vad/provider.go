// Package vad defines the Engine interface for frame-level Voice Activity
// Detection backends.
//
// Most clients classify voice activity themselves and send ready-made
// vad_result messages. Clients that stream raw audio_chunk payloads instead
// are run through a VAD session here: a [Segmenter] cuts each PCM chunk into
// fixed-size frames, asks the session to classify each one and folds runs of
// equal frames into [types.VoiceEvent] values for the voice buffer.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the PCM passed to
	// ProcessFrame. Common values: 8000, 16000, 48000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// ProcessFrame returns an error if the supplied frame does not match.
	FrameSizeMs int

	// SpeechThreshold is the probability at or above which a silent stream is
	// considered to have started speaking. Range: [0.0, 1.0].
	SpeechThreshold float64

	// SilenceThreshold is the probability below which an active speech
	// segment is considered ended. Must be ≤ SpeechThreshold.
	SilenceThreshold float64
}

// FrameBytes returns the byte length of one 16-bit mono frame.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// SessionHandle represents an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame analyses a single frame of little-endian 16-bit mono PCM.
	// It must not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears accumulated detection state without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for VAD sessions.
type Engine interface {
	// NewSession creates a session with the given configuration. Returns an
	// error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
