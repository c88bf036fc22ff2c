package store

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/moodwire/internal/fusion"
	"github.com/MrWong99/moodwire/internal/observe"
)

// Guard wraps a [Store] and makes writes non-fatal. Failed writes are
// logged, counted and swallowed, and the guard reports itself degraded until
// the next successful operation.
//
// Report and Ping pass errors through: the report endpoint needs
// [ErrNotFound] and readiness needs the real ping result.
//
// All methods are safe for concurrent use.
type Guard struct {
	store    Store
	metrics  *observe.Metrics
	degraded atomic.Bool
}

// NewGuard wraps st. A nil m uses the default metrics.
func NewGuard(st Store, m *observe.Metrics) *Guard {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Guard{store: st, metrics: m}
}

// UpsertReport implements [Store].
func (g *Guard) UpsertReport(ctx context.Context, r fusion.Report) error {
	err := g.store.UpsertReport(ctx, r)
	g.metrics.RecordReportSave(ctx, err)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("store guard: UpsertReport failed, swallowing error",
			"session_id", r.SessionID,
			"error", err,
		)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// UpsertSessionSummary implements [Store].
func (g *Guard) UpsertSessionSummary(ctx context.Context, s Summary) error {
	if err := g.store.UpsertSessionSummary(ctx, s); err != nil {
		g.degraded.Store(true)
		slog.Warn("store guard: UpsertSessionSummary failed, swallowing error",
			"session_id", s.SessionID,
			"error", err,
		)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// Report implements [Store].
func (g *Guard) Report(ctx context.Context, sessionID string) (fusion.Report, error) {
	return g.store.Report(ctx, sessionID)
}

// Ping implements [Store].
func (g *Guard) Ping(ctx context.Context) error {
	err := g.store.Ping(ctx)
	g.degraded.Store(err != nil)
	return err
}

// Close implements [Store].
func (g *Guard) Close() { g.store.Close() }

// IsDegraded reports whether the most recent operation on the wrapped store
// failed.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}

var _ Store = (*Guard)(nil)
