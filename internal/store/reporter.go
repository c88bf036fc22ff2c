package store

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/moodwire/internal/fusion"
	"github.com/MrWong99/moodwire/internal/observe"
	"github.com/MrWong99/moodwire/internal/session"
)

// defaultSaveTimeout bounds one asynchronous report save.
const defaultSaveTimeout = 10 * time.Second

// Reporter fuses and persists session reports off the real-time path.
type Reporter struct {
	store   Store
	fusion  *fusion.Engine
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewReporter creates a Reporter. A zero timeout uses 10s.
func NewReporter(st Store, fe *fusion.Engine, timeout time.Duration) *Reporter {
	if timeout <= 0 {
		timeout = defaultSaveTimeout
	}
	return &Reporter{store: st, fusion: fe, timeout: timeout}
}

// Save fuses and persists the report of sess.
func (r *Reporter) Save(ctx context.Context, sess *session.Session) (fusion.Report, error) {
	return Save(ctx, r.store, r.fusion, sess)
}

// SaveAsync saves the report of sess in the background. Failures are
// logged.
func (r *Reporter) SaveAsync(sess *session.Session) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		ctx, span := observe.StartSpan(ctx, "store.save_report")
		defer span.End()

		rep, err := r.Save(ctx, sess)
		log := observe.SessionLogger(ctx, sess.ID, "")
		if err != nil {
			log.Warn("saving session report failed", "error", err)
			return
		}
		log.Info("session report saved",
			"risk_level", rep.OverallAssessment.RiskLevel,
			"risk_score", rep.OverallAssessment.RiskScore,
		)
	}()
}

// Wait blocks until every pending SaveAsync has finished.
func (r *Reporter) Wait() {
	r.wg.Wait()
}

// Latest returns the report of a live session, fused on demand.
func (r *Reporter) Latest(sess *session.Session) fusion.Report {
	return r.fusion.Analyze(sess.Snapshot())
}

// Stored returns the persisted report of sessionID.
func (r *Reporter) Stored(ctx context.Context, sessionID string) (fusion.Report, error) {
	return r.store.Report(ctx, sessionID)
}
