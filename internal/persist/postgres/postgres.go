package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/somnolog/somnolog/internal/persist"
	"github.com/somnolog/somnolog/internal/settings"
	"github.com/somnolog/somnolog/pkg/types"
)

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Compile-time interface checks.
var (
	_ persist.Backend = (*Store)(nil)
	_ settings.Store  = (*Store)(nil)
)

// Store is the PostgreSQL-backed persistence layer. All operations are safe
// for concurrent use.
type Store struct {
	db   DB
	pool *pgxpool.Pool
	dims int
	now  func() time.Time
}

// New wraps an existing connection. dims must equal the feature extractor's
// Dimensions.
func New(db DB, dims int) *Store {
	return &Store{db: db, dims: dims, now: time.Now}
}

// Open creates a connection pool to dsn with pgvector types registered on
// every connection and verifies it with a ping. It does not migrate.
func Open(ctx context.Context, dsn string, dims int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := New(pool, dims)
	s.pool = pool
	return s, nil
}

// Migrate creates all tables and indexes. It is idempotent and safe to call
// on every start. Changing the feature dimension after the first migration
// requires a manual schema change.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range []string{ddlSessions, ddlEvents(s.dims)} {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	_, err := s.db.Exec(ctx, "SELECT 1")
	return err
}

// Close releases the pool if Store opened it.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// CreateSession implements [persist.Sink].
func (s *Store) CreateSession(ctx context.Context, ownerID string, start time.Time) (string, error) {
	id := uuid.NewString()
	const q = `INSERT INTO sessions (id, owner_id, start_time) VALUES ($1, $2, $3)`
	if _, err := s.db.Exec(ctx, q, id, ownerID, start); err != nil {
		return "", fmt.Errorf("postgres: create session: %w", err)
	}
	return id, nil
}

// AppendEvent implements [persist.Sink]. A feature vector whose length does
// not match the column dimension is stored as NULL.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, ev types.EventSummary, features []float64) error {
	var vec *pgvector.Vector
	switch {
	case len(features) == 0:
	case len(features) != s.dims:
		slog.Debug("postgres: feature dimension mismatch, storing NULL", "got", len(features), "want", s.dims)
	default:
		v := pgvector.NewVector(toFloat32(features))
		vec = &v
	}

	const q = `
		INSERT INTO detection_events (session_id, ts, label, confidence, duration_ms, features)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.db.Exec(ctx, q, sessionID, ev.Timestamp, string(ev.Label), ev.Confidence, ev.Duration.Milliseconds(), vec)
	if err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("postgres: append event: %w", persist.ErrUnknownSession)
		}
		return fmt.Errorf("postgres: append event: %w", err)
	}
	return nil
}

// FinalizeSession implements [persist.Sink].
func (s *Store) FinalizeSession(ctx context.Context, sessionID string, fin types.FinalizedSession) error {
	stats, err := json.Marshal(fin.Stats)
	if err != nil {
		return fmt.Errorf("postgres: marshal stats: %w", err)
	}
	summary, err := json.Marshal(fin.Summary)
	if err != nil {
		return fmt.Errorf("postgres: marshal summary: %w", err)
	}

	const q = `
		UPDATE sessions
		SET    end_time = $2, duration_minutes = $3, stats = $4, summary = $5
		WHERE  id = $1`
	tag, err := s.db.Exec(ctx, q, sessionID, fin.EndTime, fin.DurationMinutes, stats, summary)
	if err != nil {
		return fmt.Errorf("postgres: finalize session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: finalize session %q: %w", sessionID, persist.ErrUnknownSession)
	}
	return nil
}

// UploadAudio implements [persist.Sink].
func (s *Store) UploadAudio(ctx context.Context, ownerID string, pcm []byte, d time.Duration) (string, error) {
	id := uuid.NewString()
	const q = `INSERT INTO recordings (id, owner_id, pcm, duration_ms) VALUES ($1, $2, $3, $4)`
	if _, err := s.db.Exec(ctx, q, id, ownerID, pcm, d.Milliseconds()); err != nil {
		return "", fmt.Errorf("postgres: upload audio: %w", err)
	}
	return id, nil
}

// ListSessions implements [persist.History].
func (s *Store) ListSessions(ctx context.Context, ownerID string, limit int) ([]types.FinalizedSession, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT id, owner_id, start_time, end_time, duration_minutes, stats, summary
		FROM   sessions
		WHERE  owner_id = $1 AND end_time IS NOT NULL
		ORDER  BY start_time DESC
		LIMIT  $2`
	rows, err := s.db.Query(ctx, q, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.FinalizedSession, error) {
		var (
			fin            types.FinalizedSession
			stats, summary []byte
		)
		if err := row.Scan(&fin.ID, &fin.OwnerID, &fin.StartTime, &fin.EndTime, &fin.DurationMinutes, &stats, &summary); err != nil {
			return fin, err
		}
		if err := json.Unmarshal(stats, &fin.Stats); err != nil {
			return fin, fmt.Errorf("unmarshal stats: %w", err)
		}
		if err := json.Unmarshal(summary, &fin.Summary); err != nil {
			return fin, fmt.Errorf("unmarshal summary: %w", err)
		}
		return fin, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	return out, nil
}

// EventMatch is one result of [Store.SimilarEvents].
type EventMatch struct {
	SessionID string
	Event     types.EventSummary
	Distance  float64
}

// SimilarEvents returns the k stored events whose feature vectors are closest
// (Euclidean distance) to features, optionally restricted to one label.
// Results are ordered most similar first.
func (s *Store) SimilarEvents(ctx context.Context, features []float64, label types.Label, k int) ([]EventMatch, error) {
	if len(features) != s.dims {
		return nil, fmt.Errorf("postgres: similar events: vector has %d dimensions, want %d", len(features), s.dims)
	}
	if k <= 0 {
		k = 10
	}

	args := []any{pgvector.NewVector(toFloat32(features)), k}
	where := "WHERE features IS NOT NULL"
	if label != "" {
		args = append(args, string(label))
		where += " AND label = $3"
	}
	q := fmt.Sprintf(`
		SELECT session_id, ts, label, confidence, duration_ms, features <-> $1 AS distance
		FROM   detection_events
		%s
		ORDER  BY distance
		LIMIT  $2`, where)

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: similar events: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (EventMatch, error) {
		var (
			m     EventMatch
			label string
			ms    int64
		)
		if err := row.Scan(&m.SessionID, &m.Event.Timestamp, &label, &m.Event.Confidence, &ms, &m.Distance); err != nil {
			return m, err
		}
		m.Event.Label = types.Label(label)
		m.Event.Duration = time.Duration(ms) * time.Millisecond
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: similar events: %w", err)
	}
	return out, nil
}

// LoadSettings implements [settings.Store].
func (s *Store) LoadSettings(ctx context.Context, ownerID string) (settings.UserSettings, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `SELECT settings FROM user_settings WHERE owner_id = $1`, ownerID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return settings.UserSettings{}, settings.ErrNotFound
	}
	if err != nil {
		return settings.UserSettings{}, fmt.Errorf("postgres: load settings: %w", err)
	}
	var us settings.UserSettings
	if err := json.Unmarshal(raw, &us); err != nil {
		return settings.UserSettings{}, fmt.Errorf("postgres: decode settings: %w", err)
	}
	return us, nil
}

// SaveSettings implements [settings.Store].
func (s *Store) SaveSettings(ctx context.Context, ownerID string, us settings.UserSettings) error {
	raw, err := json.Marshal(us)
	if err != nil {
		return fmt.Errorf("postgres: encode settings: %w", err)
	}
	const q = `
		INSERT INTO user_settings (owner_id, settings, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id) DO UPDATE SET
		    settings   = EXCLUDED.settings,
		    updated_at = EXCLUDED.updated_at`
	if _, err := s.db.Exec(ctx, q, ownerID, raw, s.now().UTC()); err != nil {
		return fmt.Errorf("postgres: save settings: %w", err)
	}
	return nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// isForeignKeyError reports a PostgreSQL foreign-key violation (SQLSTATE 23503).
func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}
