// Package classifier defines the Provider interface for expression
// classification backends.
//
// A classifier receives one drained batch of facial-landmark frames together
// with the speech text transcribed over the same window and returns a single
// emotion label. Backends are typically LLM-based: the landmark batch is
// reduced to a handful of geometric features ([ExtractFeatures]), rendered
// into a prompt ([BuildPrompt]) and the model's JSON reply is parsed back with
// [ParseResult]. Providers that talk to a dedicated vision model may ignore
// those helpers.
//
// Implementations must be safe for concurrent use and must honour context
// cancellation; the analysis cycle bounds every call with a timeout.
package classifier

import (
	"context"
	"errors"

	"github.com/MrWong99/moodwire/pkg/types"
)

// ErrClassifier wraps every provider failure so callers can tell classifier
// errors apart from their own.
var ErrClassifier = errors.New("classifier")

// Request is one classification input.
type Request struct {
	// Frames is the drained landmark batch. Never empty when sent by the
	// analysis cycle.
	Frames []types.LandmarkFrame

	// Text is the space-joined speech text drained over the same window.
	// May be empty.
	Text string
}

// Result is the classification outcome.
type Result struct {
	// Emotion is the lower-case label, normally one of the types.Emotion*
	// constants.
	Emotion string `json:"emotion"`

	// Confidence is the provider's confidence in Emotion, in [0, 1].
	Confidence float64 `json:"confidence"`

	// Scores optionally maps every considered label to a score.
	Scores map[string]float64 `json:"scores,omitempty"`
}

// Provider is the abstraction over any expression classification backend.
type Provider interface {
	// Classify labels one batch. Errors are wrapped with [ErrClassifier].
	Classify(ctx context.Context, req Request) (Result, error)
}
