// Package distortion detects cognitive distortions in transcribed speech and
// decides when a counselor-facing intervention should fire.
//
// An [Engine] is owned by one session. It keeps a rolling detection history
// (used by the repeated-distortion rule) and an intervention history (used by
// the frequency cap). Both are cleared only by [Engine.Reset] at session end.
package distortion

import (
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/antzucaro/matchr"
)

// Family names a cognitive distortion pattern family.
type Family string

const (
	AllOrNothing          Family = "all_or_nothing"
	Overgeneralization    Family = "overgeneralization"
	MentalFilter          Family = "mental_filter"
	DisqualifyingPositive Family = "disqualifying_positive"
	JumpingToConclusions  Family = "jumping_to_conclusions"
	Magnification         Family = "magnification"
	EmotionalReasoning    Family = "emotional_reasoning"
	ShouldStatements      Family = "should_statements"
	Labeling              Family = "labeling"
	Personalization       Family = "personalization"
)

// Severity grades a detection.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) rank() int {
	switch s {
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	}
	return 0
}

// Reason explains why an intervention fired.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonHighSeverity        Reason = "high_severity"
	ReasonRepeatedDistortion  Reason = "repeated_distortion"
	ReasonMultipleDistortions Reason = "multiple_distortions"
)

// Urgency is how soon the counselor should act.
type Urgency string

const (
	UrgencyImmediate Urgency = "immediate"
	UrgencySoon      Urgency = "soon"
	UrgencyRoutine   Urgency = "routine"
)

const (
	keywordContribution = 0.5
	regexContribution   = 0.8
	evidenceBonusStep   = 0.1
	evidenceBonusCap    = 0.3

	// epsilon absorbs float error when comparing against the threshold; a
	// single keyword hit scores exactly 0.6.
	epsilon = 1e-9
)

// Detection is one family matched in one piece of text.
type Detection struct {
	Family     Family    `json:"type"`
	Confidence float64   `json:"confidence"`
	Severity   Severity  `json:"severity"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

// Decision is the verdict of [Engine.ShouldIntervene].
type Decision struct {
	Intervene bool       `json:"shouldIntervene"`
	Reason    Reason     `json:"reason,omitempty"`
	Urgency   Urgency    `json:"urgency"`
	Primary   *Detection `json:"primaryDistortion,omitempty"`
}

// Content is the counselor-facing payload attached to an intervention.
type Content struct {
	Question string `json:"question"`
	Task     string `json:"task"`
}

// Generator produces intervention content for a detection.
type Generator interface {
	Generate(d Detection) Content
}

// Intervention is an emitted decision.
type Intervention struct {
	Family    Family    `json:"distortionType"`
	Reason    Reason    `json:"reason"`
	Urgency   Urgency   `json:"urgency"`
	Content   Content   `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Config tunes an [Engine]. Zero fields take the defaults from
// [DefaultConfig].
type Config struct {
	ConfidenceThreshold float64
	MaxInterventions    int
	InterventionWindow  time.Duration
	RepeatWindow        time.Duration
	RepeatCount         int
	MultipleCount       int

	// FuzzyThreshold enables Jaro-Winkler keyword matching against single
	// words of the text when > 0.
	FuzzyThreshold float64
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.6,
		MaxInterventions:    3,
		InterventionWindow:  30 * time.Minute,
		RepeatWindow:        10 * time.Minute,
		RepeatCount:         3,
		MultipleCount:       3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = d.ConfidenceThreshold
	}
	if c.MaxInterventions <= 0 {
		c.MaxInterventions = d.MaxInterventions
	}
	if c.InterventionWindow <= 0 {
		c.InterventionWindow = d.InterventionWindow
	}
	if c.RepeatWindow <= 0 {
		c.RepeatWindow = d.RepeatWindow
	}
	if c.RepeatCount <= 0 {
		c.RepeatCount = d.RepeatCount
	}
	if c.MultipleCount <= 0 {
		c.MultipleCount = d.MultipleCount
	}
	return c
}

// Option is a functional option for [New].
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithGenerator attaches a content generator used by [Engine.Process].
func WithGenerator(g Generator) Option {
	return func(e *Engine) { e.gen = g }
}

// Engine detects distortions and tracks intervention history for one session.
// All methods are safe for concurrent use.
type Engine struct {
	cfg      Config
	patterns []pattern
	gen      Generator
	now      func() time.Time

	mu            sync.Mutex
	history       []Detection
	interventions []Intervention
}

// New returns an engine using the built-in pattern families.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg.withDefaults(),
		patterns: builtinPatterns,
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Detect matches text against every family and returns the detections at or
// above the confidence threshold, strongest first. Detections are appended to
// the history.
func (e *Engine) Detect(text string) []Detection {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)
	var words []string
	if e.cfg.FuzzyThreshold > 0 {
		words = strings.FieldsFunc(lower, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
		})
	}

	now := e.now()
	var out []Detection
	for _, p := range e.patterns {
		var sum float64
		var n int
		sev := SeverityLow
		for _, kw := range p.keywords {
			if strings.Contains(lower, kw) || e.fuzzyHit(words, kw) {
				sum += keywordContribution
				n++
			}
		}
		for _, rl := range p.rules {
			if rl.re.MatchString(lower) {
				sum += regexContribution
				n++
				if rl.severity.rank() > sev.rank() {
					sev = rl.severity
				}
			}
		}
		if n == 0 {
			continue
		}
		conf := sum/float64(n) + min(evidenceBonusCap, evidenceBonusStep*float64(n))
		conf = min(conf, 1.0)
		if conf+epsilon < e.cfg.ConfidenceThreshold {
			continue
		}
		out = append(out, Detection{
			Family:     p.family,
			Confidence: conf,
			Severity:   sev,
			Text:       text,
			Timestamp:  now,
		})
	}
	sortDetections(out)

	if len(out) > 0 {
		e.mu.Lock()
		e.history = append(e.history, out...)
		e.mu.Unlock()
	}
	return out
}

// fuzzyHit reports whether any word is Jaro-Winkler similar to a single-word
// keyword. Multi-word keywords only match exactly.
func (e *Engine) fuzzyHit(words []string, kw string) bool {
	if len(words) == 0 || strings.ContainsRune(kw, ' ') {
		return false
	}
	for _, w := range words {
		if matchr.JaroWinkler(w, kw, false) >= e.cfg.FuzzyThreshold {
			return true
		}
	}
	return false
}

// ShouldIntervene applies the firing rules to current in priority order:
// any high severity, then a family recurring in the trailing repeat window,
// then several distinct families at once.
func (e *Engine) ShouldIntervene(current []Detection) Decision {
	if len(current) == 0 {
		return Decision{Urgency: UrgencyRoutine}
	}

	for i := range current {
		if current[i].Severity == SeverityHigh {
			d := current[i]
			return Decision{Intervene: true, Reason: ReasonHighSeverity, Urgency: UrgencyImmediate, Primary: &d}
		}
	}

	cutoff := e.now().Add(-e.cfg.RepeatWindow)
	counts := make(map[Family]int)
	e.mu.Lock()
	for _, h := range e.history {
		if !h.Timestamp.Before(cutoff) {
			counts[h.Family]++
		}
	}
	e.mu.Unlock()
	for i := range current {
		if counts[current[i].Family] >= e.cfg.RepeatCount {
			d := current[i]
			return Decision{Intervene: true, Reason: ReasonRepeatedDistortion, Urgency: UrgencySoon, Primary: &d}
		}
	}

	distinct := make(map[Family]struct{}, len(current))
	for _, c := range current {
		distinct[c.Family] = struct{}{}
	}
	if len(distinct) >= e.cfg.MultipleCount {
		d := current[0]
		return Decision{Intervene: true, Reason: ReasonMultipleDistortions, Urgency: UrgencySoon, Primary: &d}
	}

	return Decision{Urgency: UrgencyRoutine}
}

// CanIntervene reports whether fewer than the configured maximum
// interventions were emitted in the trailing intervention window.
func (e *Engine) CanIntervene() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recentInterventionsLocked() < e.cfg.MaxInterventions
}

func (e *Engine) recentInterventionsLocked() int {
	cutoff := e.now().Add(-e.cfg.InterventionWindow)
	n := 0
	for _, iv := range e.interventions {
		if iv.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

// Process runs detection on text and, when a rule fires and the frequency cap
// allows it, records and returns an intervention. The returned detections are
// always those found in text.
func (e *Engine) Process(text string) ([]Detection, *Intervention) {
	dets := e.Detect(text)
	dec := e.ShouldIntervene(dets)
	if !dec.Intervene {
		return dets, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recentInterventionsLocked() >= e.cfg.MaxInterventions {
		return dets, nil
	}
	iv := Intervention{
		Family:    dec.Primary.Family,
		Reason:    dec.Reason,
		Urgency:   dec.Urgency,
		Timestamp: e.now(),
	}
	if e.gen != nil {
		iv.Content = e.gen.Generate(*dec.Primary)
	}
	e.interventions = append(e.interventions, iv)
	return dets, &iv
}

// History returns a copy of the detection history.
func (e *Engine) History() []Detection {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Detection, len(e.history))
	copy(out, e.history)
	return out
}

// Interventions returns a copy of the intervention history.
func (e *Engine) Interventions() []Intervention {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Intervention, len(e.interventions))
	copy(out, e.interventions)
	return out
}

// Reset clears both histories.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.history = nil
	e.interventions = nil
	e.mu.Unlock()
}

// sortDetections orders by severity, then confidence, both descending.
func sortDetections(ds []Detection) {
	sort.SliceStable(ds, func(i, j int) bool {
		if ri, rj := ds[i].Severity.rank(), ds[j].Severity.rank(); ri != rj {
			return ri > rj
		}
		return ds[i].Confidence > ds[j].Confidence
	})
}
