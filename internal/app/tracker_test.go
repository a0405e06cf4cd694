package app_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/somnolog/somnolog/internal/app"
	"github.com/somnolog/somnolog/internal/detect"
	"github.com/somnolog/somnolog/internal/notify"
	"github.com/somnolog/somnolog/internal/observe"
	"github.com/somnolog/somnolog/internal/persist"
	persistmock "github.com/somnolog/somnolog/internal/persist/mock"
	"github.com/somnolog/somnolog/internal/session"
	"github.com/somnolog/somnolog/internal/settings"
	"github.com/somnolog/somnolog/pkg/audio"
	audiomock "github.com/somnolog/somnolog/pkg/audio/mock"
	"github.com/somnolog/somnolog/pkg/provider/classifier"
	classifiermock "github.com/somnolog/somnolog/pkg/provider/classifier/mock"
	"github.com/somnolog/somnolog/pkg/provider/features"
	featuresmock "github.com/somnolog/somnolog/pkg/provider/features/mock"
	"github.com/somnolog/somnolog/pkg/types"
)

const tick = 5 * time.Millisecond

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// harness wires a Tracker over mocks.
type harness struct {
	source  *audiomock.Source
	stream  *audiomock.Stream
	backend *persistmock.Backend
	writer  *persist.Writer
	hub     *notify.Hub
	store   *session.Store
	tracker *app.Tracker
}

type harnessOpts struct {
	acquireErr  error
	noFallback  bool
	noWriter    bool
	settingsErr bool
	lostAfter   time.Duration
}

type failingSettings struct{}

func (failingSettings) Get(context.Context, string) (settings.UserSettings, error) {
	return settings.UserSettings{}, errors.New("settings store down")
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	metrics := testMetrics(t)
	stream := &audiomock.Stream{
		SnapshotResult:    audio.Snapshot{Samples: make([]float64, 1600), SampleRate: 16000},
		SnapshotOK:        true,
		RecordingPCM:      []byte{1, 2, 3, 4},
		RecordingDuration: 2 * time.Second,
	}
	source := &audiomock.Source{AcquireResult: stream, AcquireError: o.acquireErr}
	loop, err := detect.NewLoop(detect.LoopConfig{
		Source:     source,
		Extractor:  &featuresmock.Extractor{VectorResult: features.Vector{0.1, 0.2}},
		Classifier: &classifiermock.Classifier{Results: []*classifier.Result{{Label: types.LabelApnea, Confidence: 0.9}}},
		Interval:   tick,
		LostAfter:  o.lostAfter,
		Metrics:    metrics,
	})
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}

	h := &harness{
		source:  source,
		stream:  stream,
		backend: &persistmock.Backend{},
		hub:     notify.NewHub(1024),
		store:   session.NewStore(nil),
	}

	var tracker *app.Tracker
	if !o.noWriter {
		h.writer = persist.NewWriter(h.backend, persist.WriterConfig{
			Metrics: metrics,
			OnFailure: func(op persist.Op, id string, err error) {
				tracker.PersistFailed(op, id, err)
			},
		})
		t.Cleanup(func() { _ = h.writer.Close(context.Background()) })
	}

	var provider settings.Provider = settings.NewStatic(settings.UserSettings{Sensitivity: 7, Mode: settings.ModeManual, DeviceID: "bedroom"})
	if o.settingsErr {
		provider = failingSettings{}
	}
	cfg := app.TrackerConfig{
		Store:           h.store,
		Settings:        provider,
		Audio:           loop,
		Writer:          h.writer,
		Hub:             h.hub,
		Metrics:         metrics,
		ElapsedInterval: tick,
	}
	if !o.noFallback {
		cfg.Fallback = func() detect.EventSource {
			return detect.NewSynthetic(detect.SyntheticConfig{Interval: tick, Seed: 42, Metrics: metrics})
		}
	}
	tracker = app.NewTracker(cfg)
	h.tracker = tracker
	t.Cleanup(func() { _, _ = tracker.Stop(context.Background()) })
	return h
}

// drain waits for the writer to finish queued work.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.writer.Close(ctx); err != nil {
		t.Fatalf("writer Close: %v", err)
	}
}

func TestTracker_StartStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	st, err := h.tracker.Start(ctx, "alice")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st.State != app.StateListening || st.OwnerID != "alice" || st.Sensitivity != 7 {
		t.Errorf("status = %+v", st)
	}
	if calls := h.source.Calls(); len(calls) != 1 || calls[0].DeviceID != "bedroom" {
		t.Errorf("acquire calls = %+v, want device bedroom", calls)
	}

	waitFor(t, "three events", func() bool { return h.tracker.Status().Stats.TotalEvents >= 3 })

	fin, err := h.tracker.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if fin.ID != st.SessionID || fin.OwnerID != "alice" {
		t.Errorf("finalized = %s/%s, want %s/alice", fin.ID, fin.OwnerID, st.SessionID)
	}
	if fin.Stats.TotalEvents != len(fin.Events) || fin.Stats.ApneaCount != fin.Stats.TotalEvents {
		t.Errorf("stats = %+v for %d events", fin.Stats, len(fin.Events))
	}
	if got := h.tracker.Status(); got.State != app.StateIdle {
		t.Errorf("state after stop = %q", got.State)
	}
	if _, ok := h.store.Active(); ok {
		t.Error("store still has an active session")
	}
	if h.stream.Releases() != 1 {
		t.Errorf("stream releases = %d, want 1", h.stream.Releases())
	}

	h.drain(t)
	create, appended, finalize, upload := h.backend.Counts()
	if create != 1 || finalize != 1 || upload != 1 {
		t.Errorf("create=%d finalize=%d upload=%d, want 1 each", create, finalize, upload)
	}
	if appended != len(fin.Events) {
		t.Errorf("appended %d events, finalized %d", appended, len(fin.Events))
	}
	for _, c := range h.backend.AppendCalls() {
		if len(c.Features) != 2 {
			t.Errorf("append features = %v, want the classifier input", c.Features)
			break
		}
	}
}

func TestTracker_RejectsSecondStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	if _, err := h.tracker.Start(ctx, "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err := h.tracker.Start(ctx, "bob")
	if !errors.Is(err, session.ErrSessionActive) {
		t.Fatalf("second Start = %v, want ErrSessionActive", err)
	}
	if owner, _ := h.tracker.ActiveOwner(); owner != "alice" {
		t.Errorf("active owner = %q, want alice", owner)
	}
}

func TestTracker_StopWithoutSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{})

	_, err := h.tracker.Stop(context.Background())
	if !errors.Is(err, session.ErrNoActiveSession) {
		t.Fatalf("Stop = %v, want ErrNoActiveSession", err)
	}
	h.drain(t)
	create, appended, finalize, upload := h.backend.Counts()
	if create+appended+finalize+upload != 0 {
		t.Errorf("persistence calls without a session: %d/%d/%d/%d", create, appended, finalize, upload)
	}
}

func TestTracker_StopTwice(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	if _, err := h.tracker.Start(ctx, "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.tracker.Stop(ctx); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if _, err := h.tracker.Stop(ctx); !errors.Is(err, session.ErrNoActiveSession) {
		t.Fatalf("second Stop = %v, want ErrNoActiveSession", err)
	}

	h.drain(t)
	if _, _, finalize, _ := h.backend.Counts(); finalize != 1 {
		t.Errorf("finalize calls = %d, want 1", finalize)
	}
}

func TestTracker_ConcurrentStopFinalizesOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	if _, err := h.tracker.Start(ctx, "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.tracker.Stop(ctx); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if succeeded != 1 {
		t.Errorf("successful stops = %d, want 1", succeeded)
	}
}

func TestTracker_NoEventsAfterStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	msgs, cancel := h.hub.Subscribe("alice")
	defer cancel()

	if _, err := h.tracker.Start(ctx, "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "an event", func() bool { return h.tracker.Status().Stats.TotalEvents > 0 })
	if _, err := h.tracker.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Everything up to the idle state is from the session.
	for m := range msgs {
		if m.Kind == notify.KindState && m.State == string(app.StateIdle) {
			break
		}
	}
	time.Sleep(5 * tick)
	for {
		select {
		case m := <-msgs:
			if m.Kind == notify.KindEvent {
				t.Fatalf("event published after Stop: %+v", m)
			}
		default:
			return
		}
	}
}

func TestTracker_PermissionDeniedFallsBackToSynthetic(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{acquireErr: audio.ErrPermissionDenied})
	ctx := context.Background()

	st, err := h.tracker.Start(ctx, "alice")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st.State != app.StateSimulating {
		t.Errorf("state = %q, want simulating", st.State)
	}
	waitFor(t, "synthetic events", func() bool { return h.tracker.Status().Stats.TotalEvents >= 5 })

	var notice *notify.Notice
	for _, m := range h.hub.Notices() {
		if m.OwnerID == "alice" && m.Notice.Level == notify.LevelInfo {
			notice = m.Notice
		}
	}
	if notice == nil {
		t.Fatal("no info notice about the fallback")
	}
	if notice.Text != "microphone permission denied, using simulation" {
		t.Errorf("notice = %q", notice.Text)
	}

	fin, err := h.tracker.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if fin.Stats.TotalEvents != fin.Stats.ApneaCount+fin.Stats.NormalCount {
		t.Errorf("counts invariant broken: %+v", fin.Stats)
	}

	h.drain(t)
	if _, _, _, upload := h.backend.Counts(); upload != 0 {
		t.Errorf("synthetic session uploaded %d recordings", upload)
	}
}

// noticeText returns the text of the last notice for owner at level.
func noticeText(h *harness, owner string, level notify.Level) string {
	var text string
	for _, m := range h.hub.Notices() {
		if m.OwnerID == owner && m.Notice.Level == level {
			text = m.Notice.Text
		}
	}
	return text
}

func TestTracker_LostStreamFallsBackToSynthetic(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{lostAfter: 10 * tick})
	ctx := context.Background()

	st, err := h.tracker.Start(ctx, "alice")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st.State != app.StateListening {
		t.Fatalf("state = %q, want listening", st.State)
	}
	waitFor(t, "audio events", func() bool { return h.tracker.Status().Stats.TotalEvents >= 2 })

	h.stream.SetSnapshot(audio.Snapshot{}, false)
	waitFor(t, "fallback", func() bool { return h.tracker.Status().State == app.StateSimulating })
	if got := noticeText(h, "alice", notify.LevelInfo); got != "microphone stopped sending audio, using simulation" {
		t.Errorf("notice = %q", got)
	}
	if h.stream.Releases() != 1 {
		t.Errorf("lost stream released %d times, want 1", h.stream.Releases())
	}

	before := h.tracker.Status()
	waitFor(t, "synthetic events", func() bool {
		return h.tracker.Status().Stats.TotalEvents >= before.Stats.TotalEvents+5
	})
	if got := h.tracker.Status().SessionID; got != before.SessionID {
		t.Errorf("session changed on fallback: %s -> %s", before.SessionID, got)
	}

	fin, err := h.tracker.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if fin.Stats.TotalEvents != fin.Stats.ApneaCount+fin.Stats.NormalCount {
		t.Errorf("counts invariant broken: %+v", fin.Stats)
	}
	h.drain(t)
	if _, _, finalize, upload := h.backend.Counts(); finalize != 1 || upload != 1 {
		t.Errorf("finalize = %d, upload = %d, want 1 and 1", finalize, upload)
	}
}

func TestTracker_LostStreamWithoutFallbackEndsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{noFallback: true, lostAfter: 10 * tick})

	if _, err := h.tracker.Start(context.Background(), "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.stream.SetSnapshot(audio.Snapshot{}, false)

	waitFor(t, "session end", func() bool { return h.tracker.Status().State == app.StateIdle })
	waitFor(t, "error notice", func() bool { return noticeText(h, "alice", notify.LevelError) != "" })
	if got := noticeText(h, "alice", notify.LevelError); got != "microphone stopped sending audio, session ended" {
		t.Errorf("notice = %q", got)
	}
	if _, ok := h.store.Active(); ok {
		t.Error("store still holds the session")
	}
	h.drain(t)
	if _, _, finalize, _ := h.backend.Counts(); finalize != 1 {
		t.Errorf("finalize calls = %d, want 1", finalize)
	}

	// The slot is free again.
	if _, err := h.tracker.Start(context.Background(), "bob"); err != nil {
		t.Fatalf("Start after lost session: %v", err)
	}
}

func TestTracker_NoFallbackDiscardsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{acquireErr: audio.ErrDeviceUnavailable, noFallback: true})

	_, err := h.tracker.Start(context.Background(), "alice")
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Start = %v, want ErrDeviceUnavailable", err)
	}
	if _, ok := h.store.Active(); ok {
		t.Error("failed start left an active session")
	}
	if h.tracker.Status().State != app.StateIdle {
		t.Errorf("state = %q, want idle", h.tracker.Status().State)
	}
	h.drain(t)
	if create, _, _, _ := h.backend.Counts(); create != 0 {
		t.Errorf("create calls = %d, want 0", create)
	}
}

func TestTracker_SettingsErrorUsesDefaults(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{settingsErr: true})

	st, err := h.tracker.Start(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st.Sensitivity != settings.Defaults().Sensitivity {
		t.Errorf("sensitivity = %d, want default %d", st.Sensitivity, settings.Defaults().Sensitivity)
	}
}

func TestTracker_ElapsedTicks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{acquireErr: audio.ErrDeviceUnavailable})
	if _, err := h.tracker.Start(context.Background(), "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "elapsed time", func() bool { return h.tracker.Status().Stats.Elapsed > 0 })
	rec, ok := h.store.Active()
	if !ok {
		t.Fatal("no active record")
	}
	waitFor(t, "store touch", func() bool {
		rec, _ = h.store.Active()
		return rec.Stats.Elapsed > 0
	})
}

func TestTracker_PersistFailureNotifiesOwner(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{})
	h.backend.CreateErr = errors.New("db down")

	if _, err := h.tracker.Start(context.Background(), "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "warning notice", func() bool {
		for _, m := range h.hub.Notices() {
			if m.OwnerID == "alice" && m.Notice.Level == notify.LevelWarning && m.Notice.Text == "session data may not be saved" {
				return true
			}
		}
		return false
	})
	if h.tracker.Status().State != app.StateListening {
		t.Error("persistence failure interrupted the session")
	}
}

func TestTracker_WithoutWriter(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{noWriter: true})
	ctx := context.Background()
	if _, err := h.tracker.Start(ctx, "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "an event", func() bool { return h.tracker.Status().Stats.TotalEvents > 0 })
	if _, err := h.tracker.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestTracker_HandOffRecovered(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{})
	start := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	fin := session.Finalize(session.Record{
		ID:        "abandoned",
		OwnerID:   "alice",
		StartTime: start,
		Events: []types.EventSummary{
			{Timestamp: start.Add(time.Minute), Label: types.LabelApnea, Confidence: 0.8},
			{Timestamp: start.Add(2 * time.Minute), Label: types.LabelNormal, Confidence: 0.9},
		},
	}, start.Add(3*time.Minute))

	h.tracker.HandOffRecovered(fin)
	h.drain(t)

	create, appended, finalize, _ := h.backend.Counts()
	if create != 1 || appended != 2 || finalize != 1 {
		t.Errorf("create=%d append=%d finalize=%d, want 1/2/1", create, appended, finalize)
	}
	got := h.backend.FinalizedSessions()[0]
	if got.ID != "remote-1" {
		t.Errorf("finalized ID = %q, want the backend's ID", got.ID)
	}
	if fmt.Sprint(got.Stats) != fmt.Sprint(fin.Stats) {
		t.Errorf("stats = %+v, want %+v", got.Stats, fin.Stats)
	}
}
