// Package indicator maps running voice metrics onto threshold-based clinical
// indicators and a 0–100 risk score.
//
// [Engine.Analyze] is a pure function of its input: it never fails, and a
// metrics value with no samples yields no detections and a low risk.
package indicator

import (
	"fmt"

	"github.com/MrWong99/moodwire/internal/voicemetrics"
)

// Severity grades a detected indicator or alert.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// RiskLevel buckets a 0–100 risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// LevelFor buckets score into a [RiskLevel]: <30 low, <50 medium, <70 high,
// otherwise critical.
func LevelFor(score float64) RiskLevel {
	switch {
	case score < 30:
		return RiskLow
	case score < 50:
		return RiskMedium
	case score < 70:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// Kind names one of the five indicators.
type Kind string

const (
	ProlongedSilence      Kind = "prolonged_silence"
	HighSilenceRate       Kind = "high_silence_rate"
	RapidSpeech           Kind = "rapid_speech"
	FrequentInterruptions Kind = "frequent_interruptions"
	LowEnergy             Kind = "low_energy"
)

// Kinds lists the indicators in evaluation order.
var Kinds = []Kind{ProlongedSilence, HighSilenceRate, RapidSpeech, FrequentInterruptions, LowEnergy}

// weights is the contribution of each indicator to the risk score when
// detected at high severity. Medium severity contributes mediumFactor of it.
var weights = map[Kind]float64{
	ProlongedSilence:      25,
	HighSilenceRate:       20,
	RapidSpeech:           20,
	FrequentInterruptions: 15,
	LowEnergy:             20,
}

const mediumFactor = 0.6

// Thresholds holds the configurable cutoff for each indicator.
type Thresholds struct {
	// ProlongedSilenceMs flags an average silence segment longer than this.
	ProlongedSilenceMs float64 `yaml:"prolonged_silence_ms"`

	// SilenceRate flags a silence percentage above this.
	SilenceRate float64 `yaml:"silence_rate"`

	// SpeechRate flags a speech percentage above this.
	SpeechRate float64 `yaml:"speech_rate"`

	// InterruptionRate flags an interruption percentage above this.
	InterruptionRate float64 `yaml:"interruption_rate"`

	// LowEnergyVariance flags an energy variance below this.
	LowEnergyVariance float64 `yaml:"low_energy_variance"`
}

// DefaultThresholds returns the stock cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ProlongedSilenceMs: 5000,
		SilenceRate:        60,
		SpeechRate:         70,
		InterruptionRate:   40,
		LowEnergyVariance:  0.05,
	}
}

// withDefaults fills zero fields from [DefaultThresholds].
func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.ProlongedSilenceMs <= 0 {
		t.ProlongedSilenceMs = d.ProlongedSilenceMs
	}
	if t.SilenceRate <= 0 {
		t.SilenceRate = d.SilenceRate
	}
	if t.SpeechRate <= 0 {
		t.SpeechRate = d.SpeechRate
	}
	if t.InterruptionRate <= 0 {
		t.InterruptionRate = d.InterruptionRate
	}
	if t.LowEnergyVariance <= 0 {
		t.LowEnergyVariance = d.LowEnergyVariance
	}
	return t
}

// Indicator is the outcome of one threshold check.
type Indicator struct {
	Kind           Kind     `json:"kind"`
	Detected       bool     `json:"detected"`
	Severity       Severity `json:"severity,omitempty"`
	Value          float64  `json:"value"`
	Threshold      float64  `json:"threshold"`
	Interpretation string   `json:"interpretation"`
}

// Alert is raised for every detected indicator.
type Alert struct {
	Kind     Kind     `json:"kind"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Analysis is the result of [Engine.Analyze].
type Analysis struct {
	Indicators map[Kind]Indicator `json:"indicators"`
	Alerts     []Alert            `json:"alerts"`
	RiskScore  float64            `json:"riskScore"`
	RiskLevel  RiskLevel          `json:"riskLevel"`
}

// Engine evaluates voice metrics against a fixed set of thresholds.
// It is immutable after construction and safe for concurrent use.
type Engine struct {
	th Thresholds
}

// New returns an engine using th; zero fields fall back to the defaults.
func New(th Thresholds) *Engine {
	return &Engine{th: th.withDefaults()}
}

// Thresholds returns the effective cutoffs.
func (e *Engine) Thresholds() Thresholds { return e.th }

// Analyze runs the five checks against m.
func (e *Engine) Analyze(m voicemetrics.Metrics) Analysis {
	inds := make(map[Kind]Indicator, len(Kinds))

	hasVoice := m.Samples() > 0
	inds[ProlongedSilence] = above(ProlongedSilence, hasVoice && m.SilenceSegmentCount > 0,
		m.AvgSilenceDuration, e.th.ProlongedSilenceMs, 2.0)
	inds[HighSilenceRate] = above(HighSilenceRate, hasVoice, m.SilenceRate, e.th.SilenceRate, 1.2)
	inds[RapidSpeech] = above(RapidSpeech, hasVoice, m.SpeechRate, e.th.SpeechRate, 1.2)
	inds[FrequentInterruptions] = above(FrequentInterruptions, hasVoice && m.SpeechTurnCount > 0,
		m.InterruptionRate, e.th.InterruptionRate, 1.5)
	inds[LowEnergy] = below(LowEnergy, m.EnergySamples > 0, m.EnergyVariance, e.th.LowEnergyVariance, 2.0)

	a := Analysis{Indicators: inds, Alerts: []Alert{}}
	for _, k := range Kinds {
		ind := inds[k]
		if !ind.Detected {
			continue
		}
		w := weights[k]
		if ind.Severity != SeverityHigh {
			w *= mediumFactor
		}
		a.RiskScore += w
		a.Alerts = append(a.Alerts, Alert{Kind: k, Severity: ind.Severity, Message: ind.Interpretation})
	}
	if a.RiskScore > 100 {
		a.RiskScore = 100
	}
	a.RiskLevel = LevelFor(a.RiskScore)
	return a
}

// above builds an indicator that fires when value exceeds threshold, graded
// high when value exceeds highFactor×threshold.
func above(k Kind, eligible bool, value, threshold, highFactor float64) Indicator {
	ind := Indicator{Kind: k, Value: value, Threshold: threshold}
	if !eligible || value <= threshold {
		ind.Interpretation = interpretNormal(k)
		return ind
	}
	ind.Detected = true
	ind.Severity = SeverityMedium
	if value > threshold*highFactor {
		ind.Severity = SeverityHigh
	}
	ind.Interpretation = interpret(k, ind.Severity, value)
	return ind
}

// below builds an indicator that fires when value is under threshold, graded
// high when value is under threshold/lowFactor.
func below(k Kind, eligible bool, value, threshold, lowFactor float64) Indicator {
	ind := Indicator{Kind: k, Value: value, Threshold: threshold}
	if !eligible || value >= threshold {
		ind.Interpretation = interpretNormal(k)
		return ind
	}
	ind.Detected = true
	ind.Severity = SeverityMedium
	if value < threshold/lowFactor {
		ind.Severity = SeverityHigh
	}
	ind.Interpretation = interpret(k, ind.Severity, value)
	return ind
}

func interpret(k Kind, sev Severity, v float64) string {
	switch k {
	case ProlongedSilence:
		return fmt.Sprintf("average pause of %.0fms (%s): possible withdrawal, rumination or difficulty responding", v, sev)
	case HighSilenceRate:
		return fmt.Sprintf("silent %.0f%% of the session (%s): possible low engagement or depressive slowing", v, sev)
	case RapidSpeech:
		return fmt.Sprintf("speaking %.0f%% of the session (%s): possible anxiety, agitation or pressured speech", v, sev)
	case FrequentInterruptions:
		return fmt.Sprintf("%.0f%% of turns are fragments (%s): possible racing thoughts or hesitancy", v, sev)
	case LowEnergy:
		return fmt.Sprintf("vocal energy variance %.3f (%s): flat affect or fatigue", v, sev)
	}
	return ""
}

func interpretNormal(k Kind) string {
	switch k {
	case ProlongedSilence:
		return "pause length within normal range"
	case HighSilenceRate:
		return "silence proportion within normal range"
	case RapidSpeech:
		return "speech proportion within normal range"
	case FrequentInterruptions:
		return "turn-taking within normal range"
	case LowEnergy:
		return "vocal energy variation within normal range"
	}
	return ""
}
