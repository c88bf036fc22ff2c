// Package postgres is the PostgreSQL-backed [store.Store].
//
// Reports are stored as JSONB next to a flat session summary row so they can
// be listed and filtered without decoding the report. Both tables are keyed
// by session id and written with INSERT ... ON CONFLICT DO UPDATE.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlReports = `
CREATE TABLE IF NOT EXISTS session_reports (
    session_id    TEXT         PRIMARY KEY,
    report        JSONB        NOT NULL,
    generated_at  TIMESTAMPTZ  NOT NULL,
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlSummaries = `
CREATE TABLE IF NOT EXISTS session_summaries (
    session_id      TEXT              PRIMARY KEY,
    user_id         TEXT              NOT NULL DEFAULT '',
    counselor_id    TEXT              NOT NULL DEFAULT '',
    status          TEXT              NOT NULL,
    started_at      TIMESTAMPTZ       NOT NULL,
    ended_at        TIMESTAMPTZ,
    duration_ms     BIGINT            NOT NULL DEFAULT 0,
    emotions        INTEGER           NOT NULL DEFAULT 0,
    voice_analyses  INTEGER           NOT NULL DEFAULT 0,
    detections      INTEGER           NOT NULL DEFAULT 0,
    interventions   INTEGER           NOT NULL DEFAULT 0,
    risk_score      DOUBLE PRECISION  NOT NULL DEFAULT 0,
    risk_level      TEXT              NOT NULL DEFAULT 'low',
    updated_at      TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_summaries_user
    ON session_summaries (user_id, started_at);

CREATE INDEX IF NOT EXISTS idx_session_summaries_counselor
    ON session_summaries (counselor_id, started_at);
`

// Migrate creates the tables and indexes if they do not exist. It is
// idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlReports, ddlSummaries} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
