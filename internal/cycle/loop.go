// Package cycle runs the periodic per-session analysis loops.
//
// [Expression] drains landmark frames and speech text every interval and
// sends them to the expression classifier. [Voice] folds voice events into
// the session's running voice metrics and scores them. Both loops are owned
// by the session rather than the connection, keep ticking for a grace window
// after the session ends, and then exit on their own.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/MrWong99/moodwire/internal/observe"
	"github.com/MrWong99/moodwire/internal/session"
)

// Default loop settings.
const (
	DefaultExpressionInterval = 10 * time.Second
	DefaultVoiceInterval      = 5 * time.Second
	DefaultGrace              = 15 * time.Second
	DefaultClassifierTimeout  = 20 * time.Second
	DefaultSeriesInterval     = 10 * time.Second
)

// Config configures a cycle. Zero fields use the defaults above.
type Config struct {
	// Interval is the tick period.
	Interval time.Duration

	// Grace is how long after the session ends the cycle keeps firing.
	Grace time.Duration

	// ClassifierTimeout bounds one classifier call. Expression only.
	ClassifierTimeout time.Duration

	// SeriesInterval is the window size of the voice time series. Voice
	// only.
	SeriesInterval time.Duration
}

// Option configures a cycle.
type Option func(*loop)

// WithClock replaces time.Now for grace window checks and record
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *loop) { l.now = now }
}

// WithMetrics records cycle metrics on m instead of the default instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(l *loop) { l.metrics = m }
}

// loop is the ticker goroutine shared by both cycles.
type loop struct {
	channel  session.Channel
	sess     *session.Session
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
	metrics  *observe.Metrics

	done     chan struct{}
	stopOnce sync.Once
	exited   chan struct{}
}

// init sets up l in place.
func (l *loop) init(ch session.Channel, sess *session.Session, interval, grace time.Duration, opts []Option) {
	if grace <= 0 {
		grace = DefaultGrace
	}
	l.channel = ch
	l.sess = sess
	l.interval = interval
	l.grace = grace
	l.now = time.Now
	l.done = make(chan struct{})
	l.exited = make(chan struct{})
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
}

// Stop halts the loop. Safe to call multiple times. An analysis already in
// flight is not cancelled.
func (l *loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
}

// Done is closed once the loop goroutine has exited.
func (l *loop) Done() <-chan struct{} {
	return l.exited
}

// run ticks until stopped, ctx is cancelled, or an ended session's grace
// window has passed.
func (l *loop) run(ctx context.Context, tick func(context.Context)) {
	defer close(l.exited)
	log := observe.SessionLogger(ctx, l.sess.ID, string(l.channel))

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-ticker.C:
			run, stop := l.sess.Gate(l.now(), l.grace)
			if stop {
				log.Info("analysis cycle finished after session end")
				return
			}
			if !run {
				continue
			}
			l.safeTick(ctx, log, tick)
		}
	}
}

// safeTick runs tick and converts a panic into a log entry.
func (l *loop) safeTick(ctx context.Context, log *slog.Logger, tick func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("analysis cycle panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	start := time.Now()
	tick(ctx)
	l.metrics.RecordCycle(ctx, string(l.channel), time.Since(start))
}

// send writes m to the cycle's channel when a connection is bound.
func (l *loop) send(ctx context.Context, log *slog.Logger, m session.Message) {
	err := l.sess.Send(ctx, l.channel, m)
	if err != nil && !errors.Is(err, session.ErrNotConnected) {
		log.Warn("sending cycle result failed", "type", m.Type, "error", err)
	}
}
