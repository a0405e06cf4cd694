// Package session owns the single active detection session.
//
// [Store] holds the authoritative local record of the session in progress and
// mirrors it into a [Slot] (process memory or Redis) under a well-known key.
// Only one session may be active at a time: StartSession fails while another
// is in progress, and EndSession finalizes and clears it exactly once.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/somnolog/somnolog/internal/aggregate"
	"github.com/somnolog/somnolog/pkg/types"
)

var (
	// ErrSessionActive is returned by StartSession while a session is in progress.
	ErrSessionActive = errors.New("session: a session is already active")

	// ErrNoActiveSession is returned when an operation needs an active
	// session and there is none.
	ErrNoActiveSession = errors.New("session: no active session")

	// ErrStaleHandle is returned when a caller refers to a session that is
	// no longer the active one.
	ErrStaleHandle = errors.New("session: session is no longer active")
)

// Option configures a [Store].
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides the session ID generator (random UUIDs by default).
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// Store manages the active session. All methods are safe for concurrent use.
type Store struct {
	slot  Slot
	now   func() time.Time
	newID func() string

	mu     sync.Mutex
	active *Record

	// ended is the ID of the last session this Store ended. A slot that
	// still holds it missed its Clear and may be reclaimed.
	ended string
}

// NewStore returns a Store backed by slot. A nil slot selects a [MemorySlot].
func NewStore(slot Slot, opts ...Option) *Store {
	if slot == nil {
		slot = NewMemorySlot()
	}
	s := &Store{slot: slot, now: time.Now, newID: uuid.NewString}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Slot returns the backing slot.
func (s *Store) Slot() Slot { return s.slot }

// StartSession opens a new session for ownerID.
func (s *Store) StartSession(ctx context.Context, ownerID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return Record{}, fmt.Errorf("%w (id=%s)", ErrSessionActive, s.active.ID)
	}
	rec := Record{ID: s.newID(), OwnerID: ownerID, StartTime: s.now().UTC()}
	err := s.slot.Claim(ctx, rec)
	if errors.Is(err, ErrSessionActive) && s.clearLeftover(ctx) {
		err = s.slot.Claim(ctx, rec)
	}
	if err != nil {
		if errors.Is(err, ErrSessionActive) {
			return Record{}, fmt.Errorf("%w (held in shared slot)", ErrSessionActive)
		}
		return Record{}, fmt.Errorf("session: claim slot: %w", err)
	}
	s.active = &rec
	slog.Info("session started", "session_id", rec.ID, "owner_id", ownerID)
	return rec.clone(), nil
}

// AppendEvent records ev in session id together with the statistics after
// folding it in.
func (s *Store) AppendEvent(ctx context.Context, id string, ev types.DetectionEvent, stats types.SessionStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(id); err != nil {
		return err
	}
	s.active.Events = append(s.active.Events, ev.Summary())
	s.active.Stats = stats
	s.mirror(ctx)
	return nil
}

// Touch updates the statistics of session id, typically the elapsed time.
func (s *Store) Touch(ctx context.Context, id string, stats types.SessionStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(id); err != nil {
		return err
	}
	s.active.Stats = stats
	s.mirror(ctx)
	return nil
}

// EndSession finalizes session id, clears the slot and returns the finalized
// record. Without an active session it returns [ErrNoActiveSession], and
// [ErrStaleHandle] when id is not the active session; neither changes
// anything.
//
// The slot is cleared even when ctx is already canceled. Should the clear
// still fail, the next StartSession reclaims the slot.
func (s *Store) EndSession(ctx context.Context, id string) (types.FinalizedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(id); err != nil {
		return types.FinalizedSession{}, err
	}
	fin := Finalize(*s.active, s.now().UTC())
	s.active = nil
	s.ended = fin.ID
	if err := s.slot.Clear(context.WithoutCancel(ctx), fin.ID); err != nil {
		slog.Warn("session: clear slot failed", "session_id", fin.ID, "err", err)
	}
	slog.Info("session ended",
		"session_id", fin.ID,
		"duration_minutes", fin.DurationMinutes,
		"events", fin.Stats.TotalEvents,
		"severity", fin.Stats.SeverityScore,
	)
	return fin, nil
}

// Active returns a copy of the active record.
func (s *Store) Active() (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return Record{}, false
	}
	return s.active.clone(), true
}

// Recover finalizes a record left in the slot by a process that exited
// without ending its session. It returns nil when there is nothing to recover
// or this Store already has an active session.
func (s *Store) Recover(ctx context.Context) (*types.FinalizedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return nil, nil
	}
	rec, ok, err := s.slot.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: recover: %w", err)
	}
	if !ok {
		return nil, nil
	}

	end := rec.StartTime.Add(rec.Stats.Elapsed)
	if n := len(rec.Events); n > 0 && rec.Events[n-1].Timestamp.After(end) {
		end = rec.Events[n-1].Timestamp
	}
	fin := Finalize(rec, end)
	if err := s.slot.Clear(ctx, rec.ID); err != nil {
		return nil, fmt.Errorf("session: recover: %w", err)
	}
	slog.Warn("recovered abandoned session", "session_id", rec.ID, "owner_id", rec.OwnerID, "events", len(rec.Events))
	return &fin, nil
}

// clearLeftover clears the slot if it still holds the session this Store
// ended last, and reports whether it did. Must be called with s.mu held.
func (s *Store) clearLeftover(ctx context.Context) bool {
	if s.ended == "" {
		return false
	}
	rec, ok, err := s.slot.Load(ctx)
	if err != nil || !ok || rec.ID != s.ended {
		return false
	}
	if err := s.slot.Clear(ctx, rec.ID); err != nil {
		slog.Warn("session: clear leftover slot failed", "session_id", rec.ID, "err", err)
		return false
	}
	slog.Info("session: cleared leftover slot", "session_id", rec.ID)
	s.ended = ""
	return true
}

// check must be called with s.mu held.
func (s *Store) check(id string) error {
	if s.active == nil {
		return ErrNoActiveSession
	}
	if s.active.ID != id {
		return ErrStaleHandle
	}
	return nil
}

// mirror copies the local record into the slot. The local record stays
// authoritative, so a failed write is logged and not returned. Must be called
// with s.mu held.
func (s *Store) mirror(ctx context.Context) {
	if err := s.slot.Save(ctx, *s.active); err != nil {
		slog.Warn("session: slot mirror failed", "session_id", s.active.ID, "err", err)
	}
}

// Finalize turns a session record into its immutable finalized form as of
// end. It is pure: the same inputs always produce the same output, and
// statistics are recomputed from the event log rather than trusted from the
// record.
func Finalize(rec Record, end time.Time) types.FinalizedSession {
	events := append([]types.EventSummary(nil), rec.Events...)
	if events == nil {
		events = []types.EventSummary{}
	}
	d := max(end.Sub(rec.StartTime), 0)
	return types.FinalizedSession{
		ID:              rec.ID,
		OwnerID:         rec.OwnerID,
		StartTime:       rec.StartTime,
		EndTime:         end,
		DurationMinutes: d.Minutes(),
		Events:          events,
		Stats:           aggregate.Recompute(rec.StartTime, end, events),
		Summary:         aggregate.Summarize(events, d),
	}
}
