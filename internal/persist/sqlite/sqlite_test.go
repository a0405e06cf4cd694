package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/somnolog/somnolog/internal/persist"
	"github.com/somnolog/somnolog/internal/persist/sqlite"
	"github.com/somnolog/somnolog/internal/settings"
	"github.com/somnolog/somnolog/pkg/types"
)

var t0 = time.Date(2026, 4, 2, 22, 30, 0, 0, time.UTC)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "data", "somnolog.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestStore_SessionLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	id, err := s.CreateSession(ctx, "owner", t0)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	evs := []types.EventSummary{
		{Timestamp: t0.Add(time.Minute), Label: types.LabelApnea, Confidence: 0.9, Duration: 15 * time.Second},
		{Timestamp: t0.Add(2 * time.Minute), Label: types.LabelNormal, Confidence: 0.75},
	}
	if err := s.AppendEvent(ctx, id, evs[0], []float64{0.1, 0.2}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := s.AppendEvent(ctx, id, evs[1], nil); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := s.AppendEvent(ctx, "missing", evs[0], nil); !errors.Is(err, persist.ErrUnknownSession) {
		t.Errorf("append to missing session: %v", err)
	}

	got, err := s.Events(ctx, id)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 2 || got[0].Label != types.LabelApnea || got[0].Duration != 15*time.Second || !got[0].Timestamp.Equal(evs[0].Timestamp) {
		t.Errorf("Events = %+v", got)
	}

	// Not finalized yet: history is empty.
	if list, _ := s.ListSessions(ctx, "owner", 10); len(list) != 0 {
		t.Errorf("unfinalized session listed: %+v", list)
	}

	fin := types.FinalizedSession{
		ID: id, OwnerID: "owner", StartTime: t0, EndTime: t0.Add(90 * time.Minute), DurationMinutes: 90,
		Stats:   types.SessionStats{TotalEvents: 2, ApneaCount: 1, NormalCount: 1, SeverityScore: 61},
		Summary: types.ResultsSummary{ApneaEventsPerHour: 0.67, Band: types.BandNormal, LongestApnea: 15 * time.Second},
	}
	if err := s.FinalizeSession(ctx, id, fin); err != nil {
		t.Fatalf("FinalizeSession: %v", err)
	}
	if err := s.FinalizeSession(ctx, "missing", fin); !errors.Is(err, persist.ErrUnknownSession) {
		t.Errorf("finalize missing session: %v", err)
	}

	list, err := s.ListSessions(ctx, "owner", 10)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListSessions returned %d sessions, want 1", len(list))
	}
	if l := list[0]; l.ID != id || l.Stats.SeverityScore != 61 || l.Summary.LongestApnea != 15*time.Second || !l.EndTime.Equal(fin.EndTime) {
		t.Errorf("listed = %+v", l)
	}
	if other, _ := s.ListSessions(ctx, "someone-else", 10); len(other) != 0 {
		t.Errorf("other owner sees %d sessions", len(other))
	}
}

func TestStore_ListSessionsOrderAndLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	for i := range 3 {
		start := t0.Add(time.Duration(i) * 24 * time.Hour)
		id, err := s.CreateSession(ctx, "o", start)
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if err := s.FinalizeSession(ctx, id, types.FinalizedSession{ID: id, EndTime: start.Add(time.Hour)}); err != nil {
			t.Fatalf("FinalizeSession: %v", err)
		}
	}

	list, err := s.ListSessions(ctx, "o", 2)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if !list[0].StartTime.After(list[1].StartTime) {
		t.Errorf("not newest first: %v then %v", list[0].StartTime, list[1].StartTime)
	}
}

func TestStore_UploadAudio(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	id, err := s.UploadAudio(context.Background(), "o", make([]byte, 3200), 100*time.Millisecond)
	if err != nil || id == "" {
		t.Fatalf("UploadAudio = %q, %v", id, err)
	}
}

func TestStore_Settings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	if _, err := s.LoadSettings(ctx, "o"); !errors.Is(err, settings.ErrNotFound) {
		t.Fatalf("LoadSettings on empty table: %v", err)
	}

	us := settings.Defaults()
	us.Mode = settings.ModeAuto
	us.Sensitivity = 2
	if err := s.SaveSettings(ctx, "o", us); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	us.Sensitivity = 4
	if err := s.SaveSettings(ctx, "o", us); err != nil {
		t.Fatalf("SaveSettings upsert: %v", err)
	}

	got, err := s.LoadSettings(ctx, "o")
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if got.Sensitivity != 4 || got.Mode != settings.ModeAuto || got.Schedule.Start != "22:00" {
		t.Errorf("LoadSettings = %+v", got)
	}
}
