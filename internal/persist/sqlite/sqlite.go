// Package sqlite is a single-file [persist.Backend] for local, single-user
// runs. Feature vectors are kept as JSON text; similarity search is only
// offered by the postgres backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/somnolog/somnolog/internal/persist"
	"github.com/somnolog/somnolog/internal/settings"
	"github.com/somnolog/somnolog/pkg/types"
)

var (
	_ persist.Backend = (*Store)(nil)
	_ settings.Store  = (*Store)(nil)
)

const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  start_time TEXT NOT NULL,
  end_time TEXT,
  duration_minutes REAL NOT NULL DEFAULT 0,
  stats TEXT NOT NULL DEFAULT '{}',
  summary TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_sessions_owner_start ON sessions (owner_id, start_time);

CREATE TABLE IF NOT EXISTS detection_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
  ts TEXT NOT NULL,
  label TEXT NOT NULL,
  confidence REAL NOT NULL,
  duration_ms INTEGER NOT NULL DEFAULT 0,
  features TEXT
);
CREATE INDEX IF NOT EXISTS idx_detection_events_session ON detection_events (session_id, ts);

CREATE TABLE IF NOT EXISTS recordings (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  pcm BLOB NOT NULL,
  duration_ms INTEGER NOT NULL,
  created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS user_settings (
  owner_id TEXT PRIMARY KEY,
  settings TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
`

// Store is the SQLite-backed persistence layer.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database file at path. It does not
// migrate.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One writer at a time; the persist.Writer is already serial.
	db.SetMaxOpenConns(1)
	return &Store{db: db, now: time.Now}, nil
}

// Migrate creates all tables. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// Ping checks the database file is usable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// CreateSession implements [persist.Sink].
func (s *Store) CreateSession(ctx context.Context, ownerID string, start time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, owner_id, start_time) VALUES (?, ?, ?)`,
		id, ownerID, formatTime(start))
	if err != nil {
		return "", fmt.Errorf("sqlite: create session: %w", err)
	}
	return id, nil
}

// AppendEvent implements [persist.Sink].
func (s *Store) AppendEvent(ctx context.Context, sessionID string, ev types.EventSummary, features []float64) error {
	if err := s.exists(ctx, sessionID); err != nil {
		return fmt.Errorf("sqlite: append event: %w", err)
	}

	var fv sql.NullString
	if len(features) > 0 {
		raw, err := json.Marshal(features)
		if err != nil {
			return fmt.Errorf("sqlite: encode features: %w", err)
		}
		fv = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO detection_events (session_id, ts, label, confidence, duration_ms, features)
VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, formatTime(ev.Timestamp), string(ev.Label), ev.Confidence, ev.Duration.Milliseconds(), fv)
	if err != nil {
		return fmt.Errorf("sqlite: append event: %w", err)
	}
	return nil
}

// FinalizeSession implements [persist.Sink].
func (s *Store) FinalizeSession(ctx context.Context, sessionID string, fin types.FinalizedSession) error {
	stats, err := json.Marshal(fin.Stats)
	if err != nil {
		return fmt.Errorf("sqlite: encode stats: %w", err)
	}
	summary, err := json.Marshal(fin.Summary)
	if err != nil {
		return fmt.Errorf("sqlite: encode summary: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET end_time = ?, duration_minutes = ?, stats = ?, summary = ?
WHERE id = ?`,
		formatTime(fin.EndTime), fin.DurationMinutes, string(stats), string(summary), sessionID)
	if err != nil {
		return fmt.Errorf("sqlite: finalize session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: finalize session %q: %w", sessionID, persist.ErrUnknownSession)
	}
	return nil
}

// UploadAudio implements [persist.Sink].
func (s *Store) UploadAudio(ctx context.Context, ownerID string, pcm []byte, d time.Duration) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings (id, owner_id, pcm, duration_ms, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, ownerID, pcm, d.Milliseconds(), formatTime(s.now()))
	if err != nil {
		return "", fmt.Errorf("sqlite: upload audio: %w", err)
	}
	return id, nil
}

// ListSessions implements [persist.History].
func (s *Store) ListSessions(ctx context.Context, ownerID string, limit int) ([]types.FinalizedSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, owner_id, start_time, end_time, duration_minutes, stats, summary
FROM sessions
WHERE owner_id = ? AND end_time IS NOT NULL
ORDER BY start_time DESC
LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list sessions: %w", err)
	}
	defer rows.Close()

	var out []types.FinalizedSession
	for rows.Next() {
		var (
			fin                         types.FinalizedSession
			start, end, stats, summary string
		)
		if err := rows.Scan(&fin.ID, &fin.OwnerID, &start, &end, &fin.DurationMinutes, &stats, &summary); err != nil {
			return nil, fmt.Errorf("sqlite: scan session: %w", err)
		}
		if fin.StartTime, err = parseTime(start); err != nil {
			return nil, err
		}
		if fin.EndTime, err = parseTime(end); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(stats), &fin.Stats); err != nil {
			return nil, fmt.Errorf("sqlite: decode stats: %w", err)
		}
		if err := json.Unmarshal([]byte(summary), &fin.Summary); err != nil {
			return nil, fmt.Errorf("sqlite: decode summary: %w", err)
		}
		out = append(out, fin)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list sessions: %w", err)
	}
	return out, nil
}

// Events returns the stored events of a session in time order.
func (s *Store) Events(ctx context.Context, sessionID string) ([]types.EventSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT ts, label, confidence, duration_ms FROM detection_events
WHERE session_id = ? ORDER BY ts, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w", err)
	}
	defer rows.Close()

	var out []types.EventSummary
	for rows.Next() {
		var (
			ev    types.EventSummary
			ts    string
			label string
			ms    int64
		)
		if err := rows.Scan(&ts, &label, &ev.Confidence, &ms); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		ev.Label = types.Label(label)
		ev.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LoadSettings implements [settings.Store].
func (s *Store) LoadSettings(ctx context.Context, ownerID string) (settings.UserSettings, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT settings FROM user_settings WHERE owner_id = ?`, ownerID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return settings.UserSettings{}, settings.ErrNotFound
	}
	if err != nil {
		return settings.UserSettings{}, fmt.Errorf("sqlite: load settings: %w", err)
	}
	var us settings.UserSettings
	if err := json.Unmarshal([]byte(raw), &us); err != nil {
		return settings.UserSettings{}, fmt.Errorf("sqlite: decode settings: %w", err)
	}
	return us, nil
}

// SaveSettings implements [settings.Store].
func (s *Store) SaveSettings(ctx context.Context, ownerID string, us settings.UserSettings) error {
	raw, err := json.Marshal(us)
	if err != nil {
		return fmt.Errorf("sqlite: encode settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO user_settings (owner_id, settings, updated_at) VALUES (?, ?, ?)
ON CONFLICT(owner_id) DO UPDATE SET settings = excluded.settings, updated_at = excluded.updated_at`,
		ownerID, string(raw), formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("sqlite: save settings: %w", err)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, sessionID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return persist.ErrUnknownSession
	}
	return err
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}
