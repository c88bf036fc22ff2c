// Package fusion combines a session's expression, voice and text signals into
// a single assessment with modality scores, an overall risk score and a
// deterministic list of counselor recommendations.
//
// Everything here is a pure function of its input; the session package builds
// the [Snapshot] and the engine never touches live state.
package fusion

import (
	"fmt"
	"time"

	"github.com/MrWong99/moodwire/internal/distortion"
	"github.com/MrWong99/moodwire/internal/indicator"
	"github.com/MrWong99/moodwire/internal/voicemetrics"
	"github.com/MrWong99/moodwire/pkg/types"
)

var (
	positiveLabels = map[string]bool{
		types.EmotionHappy:     true,
		types.EmotionCalm:      true,
		types.EmotionSurprised: true,
	}
	negativeLabels = map[string]bool{
		types.EmotionSad:       true,
		types.EmotionAngry:     true,
		types.EmotionFearful:   true,
		types.EmotionDisgusted: true,
		types.EmotionAnxious:   true,
	}
)

// IsPositive reports whether label counts towards the positive ratio.
func IsPositive(label string) bool { return positiveLabels[label] }

// IsNegative reports whether label counts towards the negative ratio.
func IsNegative(label string) bool { return negativeLabels[label] }

// EmotionRecord is one expression cycle result kept in the session history.
type EmotionRecord struct {
	Emotion      string                   `json:"emotion"`
	Confidence   float64                  `json:"confidence"`
	Timestamp    time.Time                `json:"timestamp"`
	FrameCount   int                      `json:"frameCount"`
	Text         string                   `json:"text,omitempty"`
	Detections   []distortion.Detection   `json:"detections,omitempty"`
	Intervention *distortion.Intervention `json:"intervention,omitempty"`
	Scores       CycleScore               `json:"scores"`
}

// VoiceRecord is one voice cycle result kept in the session history.
type VoiceRecord struct {
	Timestamp     time.Time            `json:"timestamp"`
	Metrics       voicemetrics.Metrics `json:"metrics"`
	Psychological indicator.Analysis   `json:"psychological"`
}

// Snapshot is the input to [Engine.Analyze].
type Snapshot struct {
	SessionID     string
	Duration      time.Duration
	Emotions      []EmotionRecord
	Voice         []VoiceRecord
	Metrics       voicemetrics.Metrics
	Detections    []distortion.Detection
	Interventions []distortion.Intervention
}

// EmotionSummary aggregates the emotion history.
type EmotionSummary struct {
	Total         int            `json:"total"`
	Distribution  map[string]int `json:"distribution"`
	Dominant      string         `json:"dominant,omitempty"`
	PositiveRatio float64        `json:"positiveRatio"`
	NegativeRatio float64        `json:"negativeRatio"`
}

// VADSummary aggregates the voice analysis history.
type VADSummary struct {
	Cycles       int                    `json:"cycles"`
	Metrics      voicemetrics.Metrics   `json:"metrics"`
	AvgRiskScore float64                `json:"avgRiskScore"`
	MaxRiskScore float64                `json:"maxRiskScore"`
	AlertCounts  map[indicator.Kind]int `json:"alertCounts"`
}

// CBTSummary aggregates distortion detections and interventions.
type CBTSummary struct {
	TotalDetections int                       `json:"totalDetections"`
	ByFamily        map[distortion.Family]int `json:"byType"`
	Dominant        distortion.Family         `json:"dominantType,omitempty"`
	HighSeverity    int                       `json:"highSeverityCount"`
	Interventions   int                       `json:"interventionCount"`
	Utterances      int                       `json:"analyzedUtterances"`
	Density         float64                   `json:"density"`
}

// VADVector holds the three normalized modality scores.
type VADVector struct {
	Facial float64 `json:"valence"`
	Voice  float64 `json:"arousal"`
	Text   float64 `json:"dominance"`
}

// Assessment is the overall verdict.
type Assessment struct {
	RiskScore            float64             `json:"riskScore"`
	RiskLevel            indicator.RiskLevel `json:"riskLevel"`
	EmotionalState       string              `json:"emotionalState"`
	CommunicationPattern string              `json:"communicationPattern"`
	CognitivePattern     string              `json:"cognitivePattern"`
}

// Recommendation is one counselor-facing suggestion.
type Recommendation struct {
	Category string `json:"category"`
	Priority string `json:"priority"`
	Message  string `json:"message"`
}

// Report is the fused session report.
type Report struct {
	SessionID         string           `json:"sessionId"`
	GeneratedAt       time.Time        `json:"generatedAt"`
	DurationSeconds   float64          `json:"durationSeconds"`
	EmotionSummary    EmotionSummary   `json:"emotionSummary"`
	VADSummary        VADSummary       `json:"vadSummary"`
	CBTSummary        CBTSummary       `json:"cbtSummary"`
	VADVector         VADVector        `json:"vadVector"`
	OverallAssessment Assessment       `json:"overallAssessment"`
	Recommendations   []Recommendation `json:"recommendations"`
}

// Emotional states.
const (
	StateUnknown    = "unknown"
	StateDistressed = "distressed"
	StatePositive   = "positive"
	StateMixed      = "mixed"
)

// Communication patterns.
const (
	PatternUnknown    = "unknown"
	PatternWithdrawn  = "withdrawn"
	PatternPressured  = "pressured"
	PatternFragmented = "fragmented"
	PatternBalanced   = "balanced"
)

// Cognitive patterns.
const (
	CognitivePervasive  = "pervasive"
	CognitiveOccasional = "occasional"
	CognitiveAdaptive   = "adaptive"
)

// KeepMonitoring is always the last recommendation.
var KeepMonitoring = Recommendation{
	Category: "monitoring",
	Priority: "low",
	Message:  "Keep monitoring these indicators in the next session.",
}

// Engine fuses session snapshots. The zero value is not usable; call [New].
type Engine struct {
	th  indicator.Thresholds
	now func() time.Time
}

// New returns an engine that classifies communication patterns against th.
func New(th indicator.Thresholds) *Engine {
	return &Engine{th: indicator.New(th).Thresholds(), now: time.Now}
}

// Analyze builds the fused report for s.
func (e *Engine) Analyze(s Snapshot) Report {
	es := summarizeEmotions(s.Emotions)
	vs := summarizeVoice(s.Voice, s.Metrics)
	cs := summarizeCBT(s.Emotions, s.Detections, s.Interventions)

	vec := VADVector{
		Facial: es.PositiveRatio,
		Voice:  voiceScore(s.Metrics),
		Text:   textScore(s.Metrics, cs.Density),
	}

	risk := 30*es.NegativeRatio + 0.4*vs.AvgRiskScore + 30*cs.Density
	risk = min(risk, 100)

	a := Assessment{
		RiskScore:            risk,
		RiskLevel:            indicator.LevelFor(risk),
		EmotionalState:       emotionalState(es),
		CommunicationPattern: e.communicationPattern(s.Metrics),
		CognitivePattern:     cognitivePattern(cs),
	}

	return Report{
		SessionID:         s.SessionID,
		GeneratedAt:       e.now(),
		DurationSeconds:   s.Duration.Seconds(),
		EmotionSummary:    es,
		VADSummary:        vs,
		CBTSummary:        cs,
		VADVector:         vec,
		OverallAssessment: a,
		Recommendations:   recommend(a, cs),
	}
}

func summarizeEmotions(recs []EmotionRecord) EmotionSummary {
	es := EmotionSummary{Total: len(recs), Distribution: make(map[string]int)}
	if len(recs) == 0 {
		return es
	}
	var pos, neg int
	for _, r := range recs {
		es.Distribution[r.Emotion]++
		switch {
		case IsPositive(r.Emotion):
			pos++
		case IsNegative(r.Emotion):
			neg++
		}
	}
	best := -1
	for _, r := range recs {
		// First-seen label wins ties so the result is stable.
		if n := es.Distribution[r.Emotion]; n > best {
			best = n
			es.Dominant = r.Emotion
		}
	}
	es.PositiveRatio = float64(pos) / float64(len(recs))
	es.NegativeRatio = float64(neg) / float64(len(recs))
	return es
}

func summarizeVoice(recs []VoiceRecord, latest voicemetrics.Metrics) VADSummary {
	vs := VADSummary{Cycles: len(recs), Metrics: latest, AlertCounts: make(map[indicator.Kind]int)}
	if len(recs) == 0 {
		return vs
	}
	var sum float64
	for _, r := range recs {
		sum += r.Psychological.RiskScore
		vs.MaxRiskScore = max(vs.MaxRiskScore, r.Psychological.RiskScore)
		for _, al := range r.Psychological.Alerts {
			vs.AlertCounts[al.Kind]++
		}
	}
	vs.AvgRiskScore = sum / float64(len(recs))
	return vs
}

func summarizeCBT(emotions []EmotionRecord, dets []distortion.Detection, ivs []distortion.Intervention) CBTSummary {
	cs := CBTSummary{
		TotalDetections: len(dets),
		ByFamily:        make(map[distortion.Family]int),
		Interventions:   len(ivs),
	}
	for _, r := range emotions {
		if r.Text != "" {
			cs.Utterances++
		}
	}
	best := 0
	for _, d := range dets {
		cs.ByFamily[d.Family]++
		if d.Severity == distortion.SeverityHigh {
			cs.HighSeverity++
		}
		if n := cs.ByFamily[d.Family]; n > best {
			best = n
			cs.Dominant = d.Family
		}
	}
	cs.Density = density(len(dets), cs.Utterances)
	return cs
}

// density is detections per analysed utterance, capped at 1.
func density(detections, utterances int) float64 {
	return min(1, float64(detections)/float64(max(1, utterances)))
}

// voiceScore is the arousal blend of speech rate, energy variance and
// interruption rate, in [0, 1].
func voiceScore(m voicemetrics.Metrics) float64 {
	return clamp01(0.4*unitRate(m.SpeechRate) + 0.3*clamp01(m.EnergyVariance) + 0.3*unitRate(m.InterruptionRate))
}

// textScore is the dominance blend of speech rate and inverse silence rate,
// penalized by distortion density, in [0, 1].
func textScore(m voicemetrics.Metrics, density float64) float64 {
	return clamp01((0.6*unitRate(m.SpeechRate) + 0.4*(1-unitRate(m.SilenceRate))) * (1 - 0.5*clamp01(density)))
}

// unitRate maps a percentage onto [0, 1]. Client supplied durations can push
// rates past 100.
func unitRate(pct float64) float64 { return clamp01(pct / 100) }

func clamp01(v float64) float64 { return max(0, min(1, v)) }

func emotionalState(es EmotionSummary) string {
	switch {
	case es.Total == 0:
		return StateUnknown
	case es.NegativeRatio >= 0.5:
		return StateDistressed
	case es.PositiveRatio >= 0.5:
		return StatePositive
	default:
		return StateMixed
	}
}

func (e *Engine) communicationPattern(m voicemetrics.Metrics) string {
	switch {
	case m.Samples() == 0:
		return PatternUnknown
	case m.SilenceRate > e.th.SilenceRate || (m.SilenceSegmentCount > 0 && m.AvgSilenceDuration > e.th.ProlongedSilenceMs):
		return PatternWithdrawn
	case m.SpeechRate > e.th.SpeechRate:
		return PatternPressured
	case m.SpeechTurnCount > 0 && m.InterruptionRate > e.th.InterruptionRate:
		return PatternFragmented
	default:
		return PatternBalanced
	}
}

func cognitivePattern(cs CBTSummary) string {
	switch {
	case cs.HighSeverity > 0 || cs.Density >= 0.5:
		return CognitivePervasive
	case cs.TotalDetections > 0:
		return CognitiveOccasional
	default:
		return CognitiveAdaptive
	}
}

func recommend(a Assessment, cs CBTSummary) []Recommendation {
	var out []Recommendation

	if a.RiskLevel == indicator.RiskHigh || a.RiskLevel == indicator.RiskCritical {
		out = append(out, Recommendation{"risk", "high",
			"Consider a structured risk assessment before closing the session."})
	}

	switch a.EmotionalState {
	case StateDistressed:
		out = append(out, Recommendation{"emotional", "high",
			"Explore the persistent negative affect and check for safety concerns."})
	case StateMixed:
		out = append(out, Recommendation{"emotional", "medium",
			"Reflect the mixed affect back and explore what shifts it."})
	case StatePositive:
		out = append(out, Recommendation{"emotional", "low",
			"Reinforce the coping strategies linked to the positive affect."})
	}

	switch a.CommunicationPattern {
	case PatternWithdrawn:
		out = append(out, Recommendation{"communication", "medium",
			"Use open, low-pressure questions and allow longer pauses."})
	case PatternPressured:
		out = append(out, Recommendation{"communication", "medium",
			"Slow the pace with a grounding exercise before going deeper."})
	case PatternFragmented:
		out = append(out, Recommendation{"communication", "medium",
			"Summarize often to help organize fragmented speech."})
	}

	switch a.CognitivePattern {
	case CognitivePervasive:
		out = append(out, Recommendation{"cognitive", "high",
			fmt.Sprintf("Prioritize cognitive restructuring, starting with %s.", familyOrAny(cs.Dominant))})
	case CognitiveOccasional:
		out = append(out, Recommendation{"cognitive", "medium",
			fmt.Sprintf("Introduce a thought record when %s comes up again.", familyOrAny(cs.Dominant))})
	}

	return append(out, KeepMonitoring)
}

func familyOrAny(f distortion.Family) string {
	if f == "" {
		return "the detected distortions"
	}
	return string(f)
}

// CycleScore is the per-cycle modality breakdown attached to expression
// results.
type CycleScore struct {
	Facial   float64 `json:"facial"`
	VAD      float64 `json:"vad"`
	Text     float64 `json:"text"`
	Combined float64 `json:"combined"`
}

// CycleScores scores one expression cycle: the classified label, the current
// running voice metrics and the number of distortions found in the cycle's
// text.
func CycleScores(emotion string, m voicemetrics.Metrics, detections int) CycleScore {
	facial := 0.5
	switch {
	case IsPositive(emotion):
		facial = 1
	case IsNegative(emotion):
		facial = 0
	}
	cs := CycleScore{
		Facial: facial,
		VAD:    voiceScore(m),
		Text:   textScore(m, density(detections, 1)),
	}
	cs.Combined = 0.4*cs.Facial + 0.3*cs.VAD + 0.3*cs.Text
	return cs
}
