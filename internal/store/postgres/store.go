package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/moodwire/internal/fusion"
	"github.com/MrWong99/moodwire/internal/session"
	"github.com/MrWong99/moodwire/internal/store"
)

// Store persists reports in PostgreSQL. All methods are safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// NewStore connects to dsn, pings the server and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: %w", err)
	}

	return &Store{pool: pool}, nil
}

// UpsertReport implements [store.Store].
func (s *Store) UpsertReport(ctx context.Context, r fusion.Report) error {
	const q = `
		INSERT INTO session_reports (session_id, report, generated_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (session_id) DO UPDATE
		SET report       = EXCLUDED.report,
		    generated_at = EXCLUDED.generated_at,
		    updated_at   = now()`

	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("postgres store: encode report: %w", err)
	}
	if _, err := s.pool.Exec(ctx, q, r.SessionID, body, r.GeneratedAt); err != nil {
		return fmt.Errorf("postgres store: upsert report: %w", err)
	}
	return nil
}

// UpsertSessionSummary implements [store.Store].
func (s *Store) UpsertSessionSummary(ctx context.Context, sum store.Summary) error {
	const q = `
		INSERT INTO session_summaries
		    (session_id, user_id, counselor_id, status, started_at, ended_at, duration_ms,
		     emotions, voice_analyses, detections, interventions, risk_score, risk_level, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
		ON CONFLICT (session_id) DO UPDATE
		SET status         = EXCLUDED.status,
		    ended_at       = EXCLUDED.ended_at,
		    duration_ms    = EXCLUDED.duration_ms,
		    emotions       = EXCLUDED.emotions,
		    voice_analyses = EXCLUDED.voice_analyses,
		    detections     = EXCLUDED.detections,
		    interventions  = EXCLUDED.interventions,
		    risk_score     = EXCLUDED.risk_score,
		    risk_level     = EXCLUDED.risk_level,
		    updated_at     = now()`

	_, err := s.pool.Exec(ctx, q,
		sum.SessionID,
		sum.UserID,
		sum.CounselorID,
		string(sum.Status),
		sum.StartedAt,
		sum.EndedAt,
		sum.Duration.Milliseconds(),
		sum.Emotions,
		sum.VoiceAnalyses,
		sum.Detections,
		sum.Interventions,
		sum.RiskScore,
		sum.RiskLevel,
	)
	if err != nil {
		return fmt.Errorf("postgres store: upsert summary: %w", err)
	}
	return nil
}

// Report implements [store.Store].
func (s *Store) Report(ctx context.Context, sessionID string) (fusion.Report, error) {
	const q = `SELECT report FROM session_reports WHERE session_id = $1`

	var body []byte
	if err := s.pool.QueryRow(ctx, q, sessionID).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fusion.Report{}, fmt.Errorf("postgres store: report %q: %w", sessionID, store.ErrNotFound)
		}
		return fusion.Report{}, fmt.Errorf("postgres store: get report: %w", err)
	}
	var r fusion.Report
	if err := json.Unmarshal(body, &r); err != nil {
		return fusion.Report{}, fmt.Errorf("postgres store: decode report: %w", err)
	}
	return r, nil
}

// Summary returns the stored summary row for sessionID.
func (s *Store) Summary(ctx context.Context, sessionID string) (store.Summary, error) {
	const q = `
		SELECT session_id, user_id, counselor_id, status, started_at, ended_at, duration_ms,
		       emotions, voice_analyses, detections, interventions, risk_score, risk_level
		FROM   session_summaries
		WHERE  session_id = $1`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return store.Summary{}, fmt.Errorf("postgres store: get summary: %w", err)
	}
	sums, err := pgx.CollectRows(rows, scanSummary)
	if err != nil {
		return store.Summary{}, fmt.Errorf("postgres store: scan summary: %w", err)
	}
	if len(sums) == 0 {
		return store.Summary{}, fmt.Errorf("postgres store: summary %q: %w", sessionID, store.ErrNotFound)
	}
	return sums[0], nil
}

func scanSummary(row pgx.CollectableRow) (store.Summary, error) {
	var (
		sum        store.Summary
		status     string
		durationMs int64
	)
	err := row.Scan(
		&sum.SessionID,
		&sum.UserID,
		&sum.CounselorID,
		&status,
		&sum.StartedAt,
		&sum.EndedAt,
		&durationMs,
		&sum.Emotions,
		&sum.VoiceAnalyses,
		&sum.Detections,
		&sum.Interventions,
		&sum.RiskScore,
		&sum.RiskLevel,
	)
	sum.Status = session.Status(status)
	sum.Duration = time.Duration(durationMs) * time.Millisecond
	return sum, err
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [store.Store].
func (s *Store) Close() {
	s.pool.Close()
}
