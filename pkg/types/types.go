// Package types defines the shared signal types used across all moodwire
// packages.
//
// These types form the lingua franca between the real-time router, the signal
// buffers, the analysis cycles and the external classifier providers. Each
// package defines its own domain types; cross-cutting data structures live
// here to avoid circular imports.
package types

import "time"

// Point is a single 3-D facial landmark coordinate. Coordinates are in the
// normalised image space produced by the capturing client (x, y in [0, 1],
// z relative depth).
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// LandmarkFrame is one facial-geometry snapshot captured by the client.
// Frames are ephemeral: they are held only until the next expression drain.
type LandmarkFrame struct {
	// Timestamp is the capture time reported by (or assigned on behalf of)
	// the client.
	Timestamp time.Time `json:"timestamp"`

	// Points is the fixed-size landmark mesh.
	Points []Point `json:"points"`
}

// At returns the capture timestamp.
func (f LandmarkFrame) At() time.Time { return f.Timestamp }

// VoiceEvent is a single voice-activity classification for a stretch of
// audio.
type VoiceEvent struct {
	// Timestamp marks the start of the classified stretch.
	Timestamp time.Time `json:"timestamp"`

	// IsSpeech is true for speech, false for silence.
	IsSpeech bool `json:"isSpeech"`

	// Duration is the length of the classified stretch.
	Duration time.Duration `json:"duration"`

	// Energy is an optional loudness reading in [0, 1]. Nil when the client
	// did not report one.
	Energy *float64 `json:"energy,omitempty"`
}

// At returns the event timestamp.
func (e VoiceEvent) At() time.Time { return e.Timestamp }

// SpeechSnippet is a transcribed piece of client speech.
type SpeechSnippet struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Text  string    `json:"text"`
}

// At returns the snippet start time.
func (s SpeechSnippet) At() time.Time { return s.Start }

// Emotion labels produced by expression classifiers. Providers may return
// other labels; these are the ones the fusion engine knows how to weigh.
const (
	EmotionHappy     = "happy"
	EmotionCalm      = "calm"
	EmotionNeutral   = "neutral"
	EmotionSurprised = "surprised"
	EmotionSad       = "sad"
	EmotionAngry     = "angry"
	EmotionFearful   = "fearful"
	EmotionDisgusted = "disgusted"
	EmotionAnxious   = "anxious"
)
