package cycle

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/moodwire/internal/distortion"
	"github.com/MrWong99/moodwire/internal/fusion"
	"github.com/MrWong99/moodwire/internal/observe"
	"github.com/MrWong99/moodwire/internal/session"
	"github.com/MrWong99/moodwire/pkg/provider/classifier"
	"github.com/MrWong99/moodwire/pkg/types"
)

// EmotionUpdate is the payload of an emotion_update message.
type EmotionUpdate struct {
	Emotion      string                   `json:"emotion"`
	Confidence   float64                  `json:"confidence"`
	Timestamp    time.Time                `json:"timestamp"`
	FrameCount   int                      `json:"frameCount"`
	Distortions  []distortion.Detection   `json:"distortions,omitempty"`
	Intervention *distortion.Intervention `json:"intervention,omitempty"`
	Scores       fusion.CycleScore        `json:"scores"`
}

// Expression is the expression analysis cycle of one session.
//
// At most one classifier call is outstanding at a time. Ticks that land
// while a call is in flight are dropped, not queued, and the frames keep
// accumulating for the next tick.
type Expression struct {
	loop
	classifier classifier.Provider
	timeout    time.Duration

	inFlight atomic.Bool
	wg       sync.WaitGroup
}

// NewExpression creates the expression cycle for sess. Call
// [Expression.Start] to begin ticking.
func NewExpression(sess *session.Session, clf classifier.Provider, cfg Config, opts ...Option) *Expression {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultExpressionInterval
	}
	timeout := cfg.ClassifierTimeout
	if timeout <= 0 {
		timeout = DefaultClassifierTimeout
	}
	e := &Expression{classifier: clf, timeout: timeout}
	e.init(session.ChannelLandmarks, sess, interval, cfg.Grace, opts)
	return e
}

// Start begins ticking in a background goroutine. ctx bounds the loop and
// every classifier call it starts.
func (e *Expression) Start(ctx context.Context) {
	go e.run(ctx, func(ctx context.Context) { e.Tick(ctx) })
}

// Wait blocks until no analysis is in flight.
func (e *Expression) Wait() {
	e.wg.Wait()
}

// Tick performs one cycle step without the session gate and reports whether
// a classifier call was started.
func (e *Expression) Tick(ctx context.Context) bool {
	if e.sess.Frames.Len() == 0 {
		return false
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		e.metrics.RecordDroppedTick(ctx, string(e.channel))
		slog.Debug("expression tick dropped, analysis in flight", "session_id", e.sess.ID)
		return false
	}

	frames := e.sess.Frames.Drain()
	text := joinText(e.sess.Speech.Drain())
	if len(frames) == 0 {
		e.inFlight.Store(false)
		return false
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.inFlight.Store(false)
		e.analyze(ctx, frames, text)
	}()
	return true
}

// joinText space-joins the non-blank snippet texts.
func joinText(snippets []types.SpeechSnippet) string {
	parts := make([]string, 0, len(snippets))
	for _, s := range snippets {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// analyze classifies one drained batch and publishes the result.
func (e *Expression) analyze(ctx context.Context, frames []types.LandmarkFrame, text string) {
	log := observe.SessionLogger(ctx, e.sess.ID, string(e.channel))
	defer func() {
		if r := recover(); r != nil {
			log.Error("expression analysis panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	cctx, span := observe.StartSpan(cctx, "cycle.expression.classify")
	span.SetAttributes(
		attribute.String("session_id", e.sess.ID),
		attribute.Int("frame_count", len(frames)),
	)
	defer span.End()

	start := time.Now()
	res, err := e.classifier.Classify(cctx, classifier.Request{Frames: frames, Text: text})
	e.metrics.RecordClassifier(cctx, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("expression classification failed", "frame_count", len(frames), "error", err)
		e.send(ctx, log, session.ErrorMessage(session.CodeClassifierError, err.Error()))
		return
	}

	var (
		dets []distortion.Detection
		iv   *distortion.Intervention
	)
	if text != "" {
		dets, iv = e.sess.Distortion.Process(text)
		for _, d := range dets {
			e.metrics.RecordDetection(ctx, string(d.Family), string(d.Severity))
		}
		if iv != nil {
			e.metrics.RecordIntervention(ctx, string(iv.Reason))
			log.Info("intervention suggested",
				"distortion", iv.Family,
				"reason", iv.Reason,
				"urgency", iv.Urgency,
			)
		}
	}

	scores := fusion.CycleScores(res.Emotion, e.sess.VoiceMetrics.Calculate(), len(dets))
	rec := fusion.EmotionRecord{
		Emotion:      res.Emotion,
		Confidence:   res.Confidence,
		Timestamp:    e.now(),
		FrameCount:   len(frames),
		Text:         text,
		Detections:   dets,
		Intervention: iv,
		Scores:       scores,
	}
	e.sess.AppendEmotion(rec)
	log.Debug("expression analysed", "emotion", rec.Emotion, "frame_count", rec.FrameCount)

	e.send(ctx, log, session.Message{Type: session.TypeEmotionUpdate, Data: EmotionUpdate{
		Emotion:      rec.Emotion,
		Confidence:   rec.Confidence,
		Timestamp:    rec.Timestamp,
		FrameCount:   rec.FrameCount,
		Distortions:  dets,
		Intervention: iv,
		Scores:       scores,
	}})
}
