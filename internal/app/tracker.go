package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/somnolog/somnolog/internal/aggregate"
	"github.com/somnolog/somnolog/internal/detect"
	"github.com/somnolog/somnolog/internal/notify"
	"github.com/somnolog/somnolog/internal/observe"
	"github.com/somnolog/somnolog/internal/persist"
	"github.com/somnolog/somnolog/internal/session"
	"github.com/somnolog/somnolog/internal/settings"
	"github.com/somnolog/somnolog/pkg/audio"
	"github.com/somnolog/somnolog/pkg/types"
)

// State is the tracking state reported by [Tracker.Status].
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateSimulating State = "simulating"
)

// DefaultElapsedInterval is how often the elapsed time is refreshed.
const DefaultElapsedInterval = time.Second

// persistFailureNotice is shown when the writer loses session data.
const persistFailureNotice = "session data may not be saved"

// lostNotice is shown when the microphone stops sending audio mid-session.
const lostNotice = "microphone stopped sending audio"

// Status describes the tracker at one point in time.
type Status struct {
	State       State              `json:"state"`
	OwnerID     string             `json:"owner_id,omitempty"`
	SessionID   string             `json:"session_id,omitempty"`
	Sensitivity int                `json:"sensitivity,omitempty"`
	StartTime   time.Time          `json:"start_time,omitzero"`
	Stats       types.SessionStats `json:"stats"`
}

// TrackerConfig holds all dependencies for a [Tracker].
type TrackerConfig struct {
	// Store owns the active-session slot. Required.
	Store *session.Store

	// Settings supplies the owner's sensitivity and device. Required.
	Settings settings.Provider

	// Audio is the real-audio source. Nil goes straight to the fallback.
	Audio detect.EventSource

	// Fallback builds the synthetic source used when audio cannot start.
	// Nil disables the fallback.
	Fallback func() detect.EventSource

	// Writer hands session data to storage. Nil disables persistence.
	Writer *persist.Writer

	// Hub receives live updates. Defaults to a fresh hub.
	Hub *notify.Hub

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// ElapsedInterval defaults to [DefaultElapsedInterval].
	ElapsedInterval time.Duration

	// Clock overrides time.Now.
	Clock func() time.Time
}

// run is the state of one tracking session.
type run struct {
	rec         session.Record
	req         detect.Request
	sensitivity int
	state       State
	source      detect.EventSource
	recorder    detect.Recorder
	agg         *aggregate.Aggregator
	stopTick    chan struct{}
	tickDone    chan struct{}
	stopping    bool

	// replacing is non-nil while a lost source is being swapped out and is
	// closed once r.source is settled.
	replacing chan struct{}
}

// Tracker is the start/stop controller of the detection pipeline. It joins
// a detection source to the aggregator, the session store, the persistence
// writer and the live stream.
//
// Only one session can be active at a time. All exported methods are safe for
// concurrent use; every mutation of the active session happens under one
// mutex, which is never held while a source is being stopped.
type Tracker struct {
	cfg TrackerConfig

	mu  sync.Mutex
	cur *run

	// owners maps session IDs to owners for failure notices, which arrive
	// without one.
	owners sync.Map
}

// NewTracker returns an idle Tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.Hub == nil {
		cfg.Hub = notify.NewHub(0)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.ElapsedInterval <= 0 {
		cfg.ElapsedInterval = DefaultElapsedInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Tracker{cfg: cfg}
}

// Start begins a session for ownerID. The owner's settings are read once;
// changing them later does not affect the running session.
//
// If the audio source cannot start and a fallback is configured, the session
// runs on synthetic events and an info notice says so. Without a fallback the
// session is discarded and the acquisition error returned.
func (t *Tracker) Start(ctx context.Context, ownerID string) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cur != nil {
		return Status{}, fmt.Errorf("%w (id=%s)", session.ErrSessionActive, t.cur.rec.ID)
	}

	us, err := t.cfg.Settings.Get(ctx, ownerID)
	if err != nil {
		slog.Warn("tracker: read settings, using defaults", "owner_id", ownerID, "err", err)
		us = settings.Defaults()
	}

	rec, err := t.cfg.Store.StartSession(ctx, ownerID)
	if err != nil {
		return Status{}, fmt.Errorf("tracker: %w", err)
	}

	r := &run{
		rec:         rec,
		sensitivity: us.Sensitivity,
		state:       StateListening,
		agg:         aggregate.New(rec.StartTime),
		stopTick:    make(chan struct{}),
		tickDone:    make(chan struct{}),
	}
	r.req = detect.Request{
		OwnerID:     ownerID,
		DeviceID:    us.DeviceID,
		Sensitivity: us.Sensitivity,
		Sink:        func(ev types.DetectionEvent) { t.onEvent(r, ev) },
		OnLost:      func(err error) { go t.replaceLostSource(r, err) },
	}

	if err := t.startSource(ctx, r, r.req); err != nil {
		if _, endErr := t.cfg.Store.EndSession(context.WithoutCancel(ctx), rec.ID); endErr != nil {
			slog.Warn("tracker: discard session", "session_id", rec.ID, "err", endErr)
		}
		t.cfg.Hub.Notify(ownerID, notify.LevelError, acquisitionNotice(err))
		return Status{}, fmt.Errorf("tracker: start detection: %w", err)
	}

	t.cur = r
	t.owners.Store(rec.ID, ownerID)
	go t.tickElapsed(r)

	t.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	if t.cfg.Writer != nil {
		t.cfg.Writer.CreateSession(rec.ID, ownerID, rec.StartTime)
	}
	t.publishState(r)

	slog.Info("tracking started",
		"session_id", rec.ID,
		"owner_id", ownerID,
		"state", r.state,
		"sensitivity", us.Sensitivity,
	)
	return t.status(r), nil
}

// startSource starts the audio source or, failing that, the fallback. Must be
// called with t.mu held.
func (t *Tracker) startSource(ctx context.Context, r *run, req detect.Request) error {
	var audioErr error
	if t.cfg.Audio != nil {
		if audioErr = t.cfg.Audio.Start(ctx, req); audioErr == nil {
			r.source = t.cfg.Audio
			r.recorder, _ = t.cfg.Audio.(detect.Recorder)
			return nil
		}
	} else {
		audioErr = fmt.Errorf("no audio source configured: %w", audio.ErrDeviceUnavailable)
	}
	if t.cfg.Fallback == nil {
		return audioErr
	}

	syn := t.cfg.Fallback()
	if err := syn.Start(ctx, req); err != nil {
		return errors.Join(audioErr, fmt.Errorf("fallback: %w", err))
	}
	r.source = syn
	r.state = StateSimulating
	slog.Info("tracker: audio unavailable, using synthetic detection", "session_id", r.rec.ID, "err", audioErr)
	t.cfg.Hub.Notify(req.OwnerID, notify.LevelInfo, acquisitionNotice(audioErr)+", using simulation")
	return nil
}

func acquisitionNotice(err error) string {
	switch {
	case errors.Is(err, detect.ErrStreamLost):
		return lostNotice
	case errors.Is(err, audio.ErrPermissionDenied):
		return "microphone permission denied"
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return "microphone unavailable"
	default:
		return "could not start audio detection"
	}
}

// Stop ends the active session and returns its finalized record. Storage
// writes are queued, not awaited. Without an active session it returns
// [session.ErrNoActiveSession] and has no side effects.
func (t *Tracker) Stop(ctx context.Context) (types.FinalizedSession, error) {
	return t.stop(ctx, nil)
}

// stop ends the active session, or only the run want when it is set.
func (t *Tracker) stop(ctx context.Context, want *run) (types.FinalizedSession, error) {
	t.mu.Lock()
	r := t.cur
	if r == nil || r.stopping || (want != nil && r != want) {
		t.mu.Unlock()
		return types.FinalizedSession{}, session.ErrNoActiveSession
	}
	r.stopping = true
	replacing := r.replacing
	t.mu.Unlock()

	// r.source is only written by a replacement already under way, and none
	// can start once stopping is set.
	if replacing != nil {
		<-replacing
	}

	// A delivery blocked on t.mu sees stopping and returns, so the source's
	// barrier can complete.
	r.source.Stop()
	close(r.stopTick)
	<-r.tickDone

	fin, err := t.cfg.Store.EndSession(ctx, r.rec.ID)

	t.mu.Lock()
	t.cur = nil
	t.mu.Unlock()
	t.cfg.Metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	if err != nil {
		t.cfg.Hub.Publish(notify.Message{Kind: notify.KindState, OwnerID: r.rec.OwnerID, State: string(StateIdle)})
		return types.FinalizedSession{}, fmt.Errorf("tracker: end session: %w", err)
	}

	if t.cfg.Writer != nil {
		t.cfg.Writer.FinalizeSession(fin)
		if r.recorder != nil {
			if pcm, d, ok := r.recorder.TakeRecording(); ok {
				t.cfg.Writer.UploadAudio(fin.ID, fin.OwnerID, pcm, d)
			}
		}
	}

	t.cfg.Hub.Publish(notify.Message{
		Kind:      notify.KindStats,
		OwnerID:   fin.OwnerID,
		SessionID: fin.ID,
		Stats:     &fin.Stats,
	})
	t.cfg.Hub.Publish(notify.Message{Kind: notify.KindState, OwnerID: fin.OwnerID, SessionID: fin.ID, State: string(StateIdle)})

	slog.Info("tracking stopped",
		"session_id", fin.ID,
		"owner_id", fin.OwnerID,
		"duration_minutes", fin.DurationMinutes,
		"events", fin.Stats.TotalEvents,
	)
	return fin, nil
}

// replaceLostSource runs after the audio source reported its stream lost. It
// releases the device and continues the session on the fallback, or ends the
// session when there is none.
func (t *Tracker) replaceLostSource(r *run, lostErr error) {
	t.mu.Lock()
	if t.cur != r || r.stopping || r.replacing != nil {
		t.mu.Unlock()
		return
	}
	done := make(chan struct{})
	r.replacing = done
	lost := r.source
	t.mu.Unlock()

	lost.Stop()
	t.cfg.Metrics.RecordAcquisitionFailure(context.Background(), "lost")

	var syn detect.EventSource
	var startErr error
	if t.cfg.Fallback != nil {
		syn = t.cfg.Fallback()
		startErr = syn.Start(context.Background(), r.req)
	}

	t.mu.Lock()
	r.replacing = nil
	fellBack := syn != nil && startErr == nil
	if fellBack {
		// Also when Stop is waiting on done: it stops whatever r.source holds.
		r.source = syn
	}
	active := t.cur == r && !r.stopping
	if active && fellBack {
		r.state = StateSimulating
		t.publishState(r)
		slog.Warn("tracker: audio stream lost, using synthetic detection", "session_id", r.rec.ID, "err", lostErr)
		t.cfg.Hub.Notify(r.rec.OwnerID, notify.LevelInfo, acquisitionNotice(lostErr)+", using simulation")
	}
	t.mu.Unlock()
	close(done)

	if !active || fellBack {
		return
	}
	slog.Warn("tracker: audio stream lost, ending session", "session_id", r.rec.ID, "err", errors.Join(lostErr, startErr))
	if _, err := t.stop(context.Background(), r); err != nil {
		return
	}
	t.cfg.Hub.Notify(r.rec.OwnerID, notify.LevelError, acquisitionNotice(lostErr)+", session ended")
}

// Status returns the current tracking status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return Status{State: StateIdle}
	}
	return t.status(t.cur)
}

func (t *Tracker) status(r *run) Status {
	return Status{
		State:       r.state,
		OwnerID:     r.rec.OwnerID,
		SessionID:   r.rec.ID,
		Sensitivity: r.sensitivity,
		StartTime:   r.rec.StartTime,
		Stats:       r.agg.Snapshot(),
	}
}

// StartTracking, StopTracking and ActiveOwner let the scheduler drive the
// tracker.
func (t *Tracker) StartTracking(ctx context.Context, ownerID string) error {
	_, err := t.Start(ctx, ownerID)
	return err
}

func (t *Tracker) StopTracking(ctx context.Context) error {
	_, err := t.Stop(ctx)
	return err
}

func (t *Tracker) ActiveOwner() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil || t.cur.stopping {
		return "", false
	}
	return t.cur.rec.OwnerID, true
}

// PersistFailed is the writer's failure callback. It may run on the caller's
// goroutine while t.mu is held, so it takes no tracker lock.
func (t *Tracker) PersistFailed(op persist.Op, sessionID string, err error) {
	owner, _ := t.owners.Load(sessionID)
	ownerID, _ := owner.(string)
	slog.Warn("tracker: session data not saved", "op", op, "session_id", sessionID, "err", err)
	t.cfg.Hub.Notify(ownerID, notify.LevelWarning, persistFailureNotice)
}

// HandOffRecovered queues a session recovered from the slot for storage.
func (t *Tracker) HandOffRecovered(fin types.FinalizedSession) {
	if t.cfg.Writer == nil {
		return
	}
	t.owners.Store(fin.ID, fin.OwnerID)
	t.cfg.Writer.CreateSession(fin.ID, fin.OwnerID, fin.StartTime)
	for _, ev := range fin.Events {
		t.cfg.Writer.AppendEvent(fin.ID, types.DetectionEvent{
			Timestamp:  ev.Timestamp,
			Label:      ev.Label,
			Confidence: ev.Confidence,
			Duration:   ev.Duration,
		})
	}
	t.cfg.Writer.FinalizeSession(fin)
	slog.Info("tracker: recovered session queued for storage", "session_id", fin.ID, "events", len(fin.Events))
}

func (t *Tracker) onEvent(r *run, ev types.DetectionEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur != r || r.stopping {
		return
	}

	stats := r.agg.OnEvent(ev)
	if err := t.cfg.Store.AppendEvent(context.Background(), r.rec.ID, ev, stats); err != nil {
		slog.Warn("tracker: append event", "session_id", r.rec.ID, "err", err)
		return
	}
	if t.cfg.Writer != nil {
		t.cfg.Writer.AppendEvent(r.rec.ID, ev)
	}

	summary := ev.Summary()
	t.cfg.Hub.Publish(notify.Message{Kind: notify.KindEvent, OwnerID: r.rec.OwnerID, SessionID: r.rec.ID, Event: &summary})
	t.cfg.Hub.Publish(notify.Message{Kind: notify.KindStats, OwnerID: r.rec.OwnerID, SessionID: r.rec.ID, Stats: &stats})
}

func (t *Tracker) tickElapsed(r *run) {
	defer close(r.tickDone)
	ticker := time.NewTicker(t.cfg.ElapsedInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopTick:
			return
		case <-ticker.C:
			t.onTick(r)
		}
	}
}

func (t *Tracker) onTick(r *run) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur != r || r.stopping {
		return
	}
	stats := r.agg.OnTick(t.cfg.Clock())
	if err := t.cfg.Store.Touch(context.Background(), r.rec.ID, stats); err != nil {
		slog.Debug("tracker: touch session", "session_id", r.rec.ID, "err", err)
	}
	t.cfg.Hub.Publish(notify.Message{Kind: notify.KindStats, OwnerID: r.rec.OwnerID, SessionID: r.rec.ID, Stats: &stats})
}

// publishState must be called with t.mu held.
func (t *Tracker) publishState(r *run) {
	t.cfg.Hub.Publish(notify.Message{
		Kind:      notify.KindState,
		OwnerID:   r.rec.OwnerID,
		SessionID: r.rec.ID,
		State:     string(r.state),
	})
}
