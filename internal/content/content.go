// Package content provides the counselor-facing intervention payloads
// attached to cognitive-distortion interventions: a Socratic question to ask
// and a small task to suggest, per distortion family.
package content

import (
	"github.com/MrWong99/moodwire/internal/distortion"
)

// Static is a [distortion.Generator] backed by a fixed table.
type Static struct {
	table map[distortion.Family]distortion.Content
}

var _ distortion.Generator = (*Static)(nil)

// NewStatic returns a generator using the built-in table.
func NewStatic() *Static {
	return &Static{table: builtin}
}

// Generate returns the entry for d's family, or a generic reflection prompt
// for unknown families.
func (s *Static) Generate(d distortion.Detection) distortion.Content {
	if c, ok := s.table[d.Family]; ok {
		return c
	}
	return fallback
}

var fallback = distortion.Content{
	Question: "What evidence supports this thought, and what evidence doesn't?",
	Task:     "Write the thought down and rate how strongly you believe it from 0 to 100.",
}

var builtin = map[distortion.Family]distortion.Content{
	distortion.AllOrNothing: {
		Question: "Is there anything between complete success and complete failure here?",
		Task:     "Place the situation on a 0–100 scale instead of pass/fail.",
	},
	distortion.Overgeneralization: {
		Question: "Can you remember a time when this did not happen?",
		Task:     "List three exceptions to the word 'always' this week.",
	},
	distortion.MentalFilter: {
		Question: "What else happened that you might be leaving out?",
		Task:     "Note one neutral and one positive moment from the same day.",
	},
	distortion.DisqualifyingPositive: {
		Question: "If a friend had done the same, would you call it luck?",
		Task:     "Write down one thing you did that contributed to the good outcome.",
	},
	distortion.JumpingToConclusions: {
		Question: "What do you actually know, and what are you guessing?",
		Task:     "Write two other explanations that also fit the facts.",
	},
	distortion.Magnification: {
		Question: "How likely is the worst case, and how would you cope if it happened?",
		Task:     "Rate how bad this will feel in a week, a month and a year.",
	},
	distortion.EmotionalReasoning: {
		Question: "Does feeling this way make it true?",
		Task:     "Separate the feeling from the facts in two columns.",
	},
	distortion.ShouldStatements: {
		Question: "Whose rule is this 'should', and what happens if you soften it?",
		Task:     "Rewrite the 'should' as 'I would prefer'.",
	},
	distortion.Labeling: {
		Question: "Does one action define who you are as a whole person?",
		Task:     "Describe the specific behavior instead of the label.",
	},
	distortion.Personalization: {
		Question: "What other people or circumstances played a part in this?",
		Task:     "Draw a responsibility pie and give each factor a slice.",
	},
}
