// Package postgres is the PostgreSQL [persist.Backend].
//
// Sessions, their events, retained recordings and per-user settings share one
// [pgxpool.Pool]. Each event keeps the classifier's feature vector in a
// pgvector column so that similar windows can be pulled for dataset curation
// with [Store.SimilarEvents]. The schema is created by [Store.Migrate].
package postgres

import "fmt"

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id               TEXT             PRIMARY KEY,
    owner_id         TEXT             NOT NULL,
    start_time       TIMESTAMPTZ      NOT NULL,
    end_time         TIMESTAMPTZ,
    duration_minutes DOUBLE PRECISION NOT NULL DEFAULT 0,
    stats            JSONB            NOT NULL DEFAULT '{}',
    summary          JSONB            NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ      NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_owner_start
    ON sessions (owner_id, start_time DESC);

CREATE TABLE IF NOT EXISTS recordings (
    id          TEXT        PRIMARY KEY,
    owner_id    TEXT        NOT NULL,
    pcm         BYTEA       NOT NULL,
    duration_ms BIGINT      NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_settings (
    owner_id   TEXT        PRIMARY KEY,
    settings   JSONB       NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// ddlEvents returns the events DDL with the feature dimension substituted.
// The dimension is baked into the column type at schema creation time.
func ddlEvents(dims int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS detection_events (
    id          BIGSERIAL        PRIMARY KEY,
    session_id  TEXT             NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    ts          TIMESTAMPTZ      NOT NULL,
    label       TEXT             NOT NULL,
    confidence  DOUBLE PRECISION NOT NULL,
    duration_ms BIGINT           NOT NULL DEFAULT 0,
    features    vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_detection_events_session
    ON detection_events (session_id, ts);

CREATE INDEX IF NOT EXISTS idx_detection_events_features
    ON detection_events USING hnsw (features vector_l2_ops);
`, dims)
}
