// Package store defines the persistence boundary for session reports.
//
// Reports and session summaries are upserted by session id, so saving the
// same session again (for example when late cycle results arrive after the
// end of a session) replaces the earlier row. Implementations live in the
// memstore, filestore and postgres sub-packages; [Guard] wraps any of them
// so that persistence failures never reach the real-time path.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/moodwire/internal/fusion"
	"github.com/MrWong99/moodwire/internal/session"
)

// ErrNotFound is returned when no report exists for a session id.
var ErrNotFound = errors.New("store: not found")

// Summary is the per-session row kept alongside the report.
type Summary struct {
	SessionID     string         `json:"session_id"`
	UserID        string         `json:"user_id"`
	CounselorID   string         `json:"counselor_id"`
	Status        session.Status `json:"status"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	Duration      time.Duration  `json:"duration"`
	Emotions      int            `json:"emotions"`
	VoiceAnalyses int            `json:"voice_analyses"`
	Detections    int            `json:"detections"`
	Interventions int            `json:"interventions"`
	RiskScore     float64        `json:"risk_score"`
	RiskLevel     string         `json:"risk_level"`
}

// Store persists reports and summaries.
type Store interface {
	// UpsertReport inserts or replaces the report of r.SessionID.
	UpsertReport(ctx context.Context, r fusion.Report) error

	// UpsertSessionSummary inserts or replaces the summary of s.SessionID.
	UpsertSessionSummary(ctx context.Context, s Summary) error

	// Report returns the stored report for sessionID or [ErrNotFound].
	Report(ctx context.Context, sessionID string) (fusion.Report, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close()
}

// SummaryOf builds the summary row for a session and its report.
func SummaryOf(info session.Info, r fusion.Report) Summary {
	s := Summary{
		SessionID:     info.ID,
		UserID:        info.UserID,
		CounselorID:   info.CounselorID,
		Status:        info.Status,
		StartedAt:     info.StartedAt,
		EndedAt:       info.EndedAt,
		Emotions:      info.Counts.Emotions,
		VoiceAnalyses: info.Counts.VoiceAnalyses,
		Detections:    info.Counts.Detections,
		Interventions: info.Counts.Interventions,
		RiskScore:     r.OverallAssessment.RiskScore,
		RiskLevel:     string(r.OverallAssessment.RiskLevel),
	}
	s.Duration = time.Duration(r.DurationSeconds * float64(time.Second))
	return s
}

// Save fuses the current state of sess into a report and upserts it with
// its summary row.
func Save(ctx context.Context, st Store, fe *fusion.Engine, sess *session.Session) (fusion.Report, error) {
	r := fe.Analyze(sess.Snapshot())
	if err := st.UpsertReport(ctx, r); err != nil {
		return r, err
	}
	if err := st.UpsertSessionSummary(ctx, SummaryOf(sess.Info(), r)); err != nil {
		return r, err
	}
	return r, nil
}
