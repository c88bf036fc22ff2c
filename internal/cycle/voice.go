package cycle

import (
	"context"
	"slices"
	"time"

	"github.com/MrWong99/moodwire/internal/fusion"
	"github.com/MrWong99/moodwire/internal/indicator"
	"github.com/MrWong99/moodwire/internal/observe"
	"github.com/MrWong99/moodwire/internal/session"
	"github.com/MrWong99/moodwire/internal/voicemetrics"
)

// VADAnalysis is the payload of a vad_analysis message.
type VADAnalysis struct {
	Metrics       voicemetrics.Metrics  `json:"metrics"`
	Psychological indicator.Analysis    `json:"psychological"`
	TimeSeries    []voicemetrics.Window `json:"timeSeries"`
	Scores        fusion.CycleScore     `json:"scores"`
}

// Voice is the voice analysis cycle of one session.
type Voice struct {
	loop
	seriesInterval time.Duration
}

// NewVoice creates the voice cycle for sess. Call [Voice.Start] to begin
// ticking.
func NewVoice(sess *session.Session, cfg Config, opts ...Option) *Voice {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultVoiceInterval
	}
	series := cfg.SeriesInterval
	if series <= 0 {
		series = DefaultSeriesInterval
	}
	v := &Voice{seriesInterval: series}
	v.init(session.ChannelVoice, sess, interval, cfg.Grace, opts)
	return v
}

// Start begins ticking in a background goroutine.
func (v *Voice) Start(ctx context.Context) {
	go v.run(ctx, func(ctx context.Context) { v.Tick(ctx) })
}

// Tick folds pending voice events into the running metrics, scores them and
// publishes the result. It reports false when the session has no voice
// events yet.
func (v *Voice) Tick(ctx context.Context) bool {
	v.sess.VoiceMetrics.Add(v.sess.Voice.Drain()...)
	if v.sess.VoiceMetrics.Len() == 0 {
		return false
	}
	log := observe.SessionLogger(ctx, v.sess.ID, string(v.channel))

	m := v.sess.VoiceMetrics.Calculate()
	a := v.sess.Indicator.Analyze(m)
	series := slices.Collect(v.sess.VoiceMetrics.TimeSeries(v.seriesInterval))

	v.sess.AppendVoice(fusion.VoiceRecord{
		Timestamp:     v.now(),
		Metrics:       m,
		Psychological: a,
	})
	if len(a.Alerts) > 0 {
		log.Info("voice indicators detected",
			"risk_score", a.RiskScore,
			"risk_level", a.RiskLevel,
			"alerts", len(a.Alerts),
		)
	}

	v.send(ctx, log, session.Message{Type: session.TypeVADAnalysis, Data: VADAnalysis{
		Metrics:       m,
		Psychological: a,
		TimeSeries:    series,
		Scores:        fusion.CycleScores("", m, 0),
	}})
	return true
}
