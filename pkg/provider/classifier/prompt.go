package classifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/moodwire/pkg/types"
)

// Labels is the closed label set classifiers are asked to choose from.
var Labels = []string{
	types.EmotionHappy, types.EmotionCalm, types.EmotionNeutral, types.EmotionSurprised,
	types.EmotionSad, types.EmotionAngry, types.EmotionFearful, types.EmotionDisgusted,
	types.EmotionAnxious,
}

// SystemPrompt instructs an LLM backend to answer with a single JSON object.
var SystemPrompt = "You assist a licensed counselor by estimating a client's current emotional state " +
	"from facial geometry measurements and what the client just said. " +
	"Reply with exactly one JSON object and nothing else, shaped as " +
	`{"emotion": "<label>", "confidence": <0..1>, "scores": {"<label>": <0..1>}}. ` +
	"Allowed labels: " + strings.Join(Labels, ", ") + "."

// BuildPrompt renders the user message for req.
func BuildPrompt(req Request) string {
	f := ExtractFeatures(req.Frames)
	feat, _ := json.Marshal(f)

	var b strings.Builder
	fmt.Fprintf(&b, "Facial features averaged over %d frames (distances relative to eye width):\n", f.FrameCount)
	b.Write(feat)
	b.WriteString("\n\n")
	if t := strings.TrimSpace(req.Text); t != "" {
		fmt.Fprintf(&b, "Client speech in the same window:\n%q\n", t)
	} else {
		b.WriteString("The client did not speak in this window.\n")
	}
	return b.String()
}
