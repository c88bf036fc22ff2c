package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/moodwire/internal/distortion"
	"github.com/MrWong99/moodwire/internal/indicator"
	"github.com/MrWong99/moodwire/internal/observe"
)

// endNoticeTimeout bounds the final status_update sent by End.
const endNoticeTimeout = 2 * time.Second

// Config holds the per-session engine settings applied at creation.
type Config struct {
	Distortion distortion.Config
	Thresholds indicator.Thresholds

	// Generator produces intervention content. Nil uses the distortion
	// engine's default.
	Generator distortion.Generator
}

// Option configures a [Registry].
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithMetrics records the active session gauge on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithDeleteHook registers fn to run after a session is removed. It runs on
// the goroutine that called [Registry.Delete].
func WithDeleteHook(fn func(*Session)) Option {
	return func(r *Registry) { r.onDelete = append(r.onDelete, fn) }
}

// Registry owns every live session.
type Registry struct {
	now      func() time.Time
	metrics  *observe.Metrics
	onDelete []func(*Session)

	mu       sync.RWMutex
	cfg      Config
	sessions map[string]*Session
}

// NewRegistry creates an empty registry. cfg applies to sessions created
// afterwards.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		now:      time.Now,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetThresholds replaces the indicator thresholds for sessions created from
// now on. Running sessions keep theirs.
func (r *Registry) SetThresholds(th indicator.Thresholds) {
	r.mu.Lock()
	r.cfg.Thresholds = th
	r.mu.Unlock()
}

// SetDistortion replaces the distortion tuning for sessions created from
// now on.
func (r *Registry) SetDistortion(cfg distortion.Config) {
	r.mu.Lock()
	r.cfg.Distortion = cfg
	r.mu.Unlock()
}

// Thresholds returns the thresholds new sessions receive.
func (r *Registry) Thresholds() indicator.Thresholds {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Thresholds
}

// Create starts a new active session.
func (r *Registry) Create(userID, counselorID string) *Session {
	id := newID(r.now())
	r.mu.Lock()
	s := newSession(id, userID, counselorID, r.cfg, r.now)
	r.sessions[id] = s
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	slog.Info("session created", "session_id", id, "user_id", userID, "counselor_id", counselorID)
	return s
}

// newID formats session-<unix-ms>-<random>.
func newID(t time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("session-%d-%s", t.UnixMilli(), suffix)
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session: get %q: %w", id, ErrNotFound)
	}
	return s, nil
}

// Pause moves an active session to paused.
func (r *Registry) Pause(id string) (*Session, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.pause(); err != nil {
		return nil, err
	}
	slog.Info("session paused", "session_id", id)
	return s, nil
}

// Resume moves a paused session back to active.
func (r *Registry) Resume(id string) (*Session, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.resume(); err != nil {
		return nil, err
	}
	slog.Info("session resumed", "session_id", id)
	return s, nil
}

// End marks the session ended, sends a final status_update to every bound
// connection, closes them and clears the distortion history. Ending an ended session returns it unchanged.
// Analysis cycles keep running until their grace window elapses.
func (r *Registry) End(id string) (*Session, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	conns, changed := s.end()
	if !changed {
		return s, nil
	}
	notice := StatusMessage(s)
	ctx, cancel := context.WithTimeout(context.Background(), endNoticeTimeout)
	for _, c := range conns {
		if err := c.Send(ctx, notice); err != nil {
			slog.Debug("end notice not delivered", "session_id", id, "error", err)
		}
		c.Close("session ended")
	}
	cancel()
	s.Distortion.Reset()
	slog.Info("session ended", "session_id", id, "duration", s.Duration())
	return s, nil
}

// Delete ends the session if needed, stops its cycles and removes it.
func (r *Registry) Delete(id string) error {
	s, err := r.End(id)
	if err != nil {
		return err
	}
	s.StopCycles()
	if err := s.closeSegmenter(); err != nil {
		slog.Warn("closing audio segmenter failed", "session_id", id, "error", err)
	}

	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		// Lost a race with a concurrent Delete.
		return nil
	}

	if r.metrics != nil {
		r.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	for _, fn := range r.onDelete {
		fn(s)
	}
	slog.Info("session deleted", "session_id", id)
	return nil
}

// DurationOf returns the duration of the session with the given id.
func (r *Registry) DurationOf(id string) (time.Duration, error) {
	s, err := r.Get(id)
	if err != nil {
		return 0, err
	}
	return s.Duration(), nil
}

// List returns all sessions ordered by id, which sorts by creation time.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Session) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close deletes every session.
func (r *Registry) Close() {
	for _, s := range r.List() {
		_ = r.Delete(s.ID)
	}
}
