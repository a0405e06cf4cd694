package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/somnolog/somnolog/internal/observe"
	"github.com/somnolog/somnolog/pkg/audio"
	"github.com/somnolog/somnolog/pkg/provider/classifier"
	"github.com/somnolog/somnolog/pkg/provider/features"
	"github.com/somnolog/somnolog/pkg/types"
	"go.opentelemetry.io/otel/trace"
)

// DefaultInterval is the tick period used when none is configured.
const DefaultInterval = time.Second

// DefaultLostAfter is how long a run may go without fresh audio before it is
// reported lost, unless configured otherwise.
const DefaultLostAfter = 30 * time.Second

// ErrStreamLost is passed to [Request.OnLost] when the stream stopped
// delivering audio. It wraps [audio.ErrDeviceUnavailable].
var ErrStreamLost = fmt.Errorf("detect: audio stream lost: %w", audio.ErrDeviceUnavailable)

var (
	errNoSnapshot    = errors.New("detect: no snapshot available yet")
	errStaleSnapshot = errors.New("detect: snapshot is stale")
)

// LoopConfig wires a [Loop] to its collaborators.
type LoopConfig struct {
	Source     audio.Source
	Extractor  features.Extractor
	Classifier classifier.Classifier

	// Interval is the tick period. Default: [DefaultInterval].
	Interval time.Duration

	// TickTimeout bounds one tick. Default: Interval.
	TickTimeout time.Duration

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Clock overrides time.Now for event timestamps.
	Clock func() time.Time

	// StaleAfter is the age past which a snapshot counts as missing.
	// Default: twice Interval.
	StaleAfter time.Duration

	// LostAfter is how long a run may go without a fresh snapshot before
	// [Request.OnLost] fires. Default: [DefaultLostAfter].
	LostAfter time.Duration

	// Tracer defaults to [observe.Tracer].
	Tracer trace.Tracer
}

// LoopStats are cumulative counters over the lifetime of a [Loop].
type LoopStats struct {
	Ticks    int64
	Events   int64
	Failures int64
	Skipped  int64
}

// Loop is the real-audio [EventSource].
type Loop struct {
	cfg LoopConfig

	mu     sync.Mutex
	state  State
	stream audio.Stream
	cancel context.CancelFunc
	done   chan struct{}

	// gen is bumped on every Start and Stop. Delivery compares it under
	// emitMu, so Stop can fence off in-flight ticks.
	gen    atomic.Uint64
	emitMu sync.Mutex

	ticks, events, failures, skipped atomic.Int64

	// recording holds the audio retained by the last run until taken.
	recording    []byte
	recordingDur time.Duration
}

var (
	_ EventSource = (*Loop)(nil)
	_ Recorder    = (*Loop)(nil)
)

// NewLoop returns an idle Loop. Source, Extractor and Classifier are required.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	var errs []error
	if cfg.Source == nil {
		errs = append(errs, errors.New("detect: audio source is required"))
	}
	if cfg.Extractor == nil {
		errs = append(errs, errors.New("detect: feature extractor is required"))
	}
	if cfg.Classifier == nil {
		errs = append(errs, errors.New("detect: classifier is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = cfg.Interval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * cfg.Interval
	}
	if cfg.LostAfter <= 0 {
		cfg.LostAfter = DefaultLostAfter
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observe.Tracer()
	}
	return &Loop{cfg: cfg, state: StateIdle}, nil
}

// Start acquires the device and begins ticking. On acquisition failure the
// error wraps [audio.ErrPermissionDenied] or [audio.ErrDeviceUnavailable] and
// the loop stays idle.
func (l *Loop) Start(ctx context.Context, req Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateIdle {
		return ErrAlreadyRunning
	}

	stream, err := l.cfg.Source.Acquire(ctx, req.DeviceID)
	if err != nil {
		kind := audio.FailureKind(err)
		l.cfg.Metrics.RecordAcquisitionFailure(ctx, kind)
		slog.Warn("audio acquisition failed", "owner_id", req.OwnerID, "device_id", req.DeviceID, "kind", kind, "err", err)
		if kind == "other" {
			err = fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
		}
		return fmt.Errorf("detect: acquire %q: %w", req.DeviceID, err)
	}

	gen := l.gen.Add(1)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	l.state = StateListening
	l.stream = stream
	l.cancel = cancel
	l.done = done

	go l.run(runCtx, gen, stream, req, done)

	slog.Info("detection loop started",
		"owner_id", req.OwnerID,
		"device_id", req.DeviceID,
		"sensitivity", req.Sensitivity,
		"interval", l.cfg.Interval,
	)
	return nil
}

// Stop cancels the tick goroutine, waits for it to exit and releases the
// stream. It is idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.state == StateIdle {
		l.mu.Unlock()
		return
	}
	l.gen.Add(1)
	l.cancel()
	stream, done := l.stream, l.done
	l.state = StateIdle
	l.stream, l.cancel, l.done = nil, nil, nil
	l.mu.Unlock()

	// Barrier: a delivery that passed the generation check has finished.
	l.emitMu.Lock()
	l.emitMu.Unlock()

	<-done
	if rec, ok := stream.(audio.Recorder); ok {
		pcm, d := rec.Recording()
		l.mu.Lock()
		l.recording, l.recordingDur = pcm, d
		l.mu.Unlock()
	}
	if err := stream.Release(); err != nil {
		slog.Warn("release audio stream", "err", err)
	}
	slog.Info("detection loop stopped")
}

// TakeRecording implements [Recorder].
func (l *Loop) TakeRecording() ([]byte, time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pcm, d := l.recording, l.recordingDur
	l.recording, l.recordingDur = nil, 0
	return pcm, d, len(pcm) > 0
}

// State implements [EventSource].
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Stats returns the loop's cumulative counters.
func (l *Loop) Stats() LoopStats {
	return LoopStats{
		Ticks:    l.ticks.Load(),
		Events:   l.events.Load(),
		Failures: l.failures.Load(),
		Skipped:  l.skipped.Load(),
	}
}

func (l *Loop) run(ctx context.Context, gen uint64, stream audio.Stream, req Request, done chan struct{}) {
	defer close(done)

	// time.Ticker drops ticks a slow receiver misses, so a stalled tick never
	// builds a backlog.
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	// Wall clock on purpose: Clock may be scaled.
	lastAudio := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.tick(ctx, gen, stream, req) {
				lastAudio = time.Now()
				continue
			}
			if silent := time.Since(lastAudio); silent >= l.cfg.LostAfter && l.reportLost(gen, req, silent) {
				return
			}
		}
	}
}

// reportLost hands ErrStreamLost to the requester once. It reports false when
// nobody listens or the run was stopped meanwhile.
func (l *Loop) reportLost(gen uint64, req Request, silent time.Duration) bool {
	if req.OnLost == nil {
		return false
	}
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	if l.gen.Load() != gen {
		return false
	}
	slog.Warn("audio stream lost", "owner_id", req.OwnerID, "device_id", req.DeviceID, "silent_for", silent)
	req.OnLost(ErrStreamLost)
	return true
}

// tick runs one detection pass and reports whether the stream had fresh audio.
func (l *Loop) tick(ctx context.Context, gen uint64, stream audio.Stream, req Request) bool {
	l.ticks.Add(1)
	start := time.Now()

	ctx, span := l.cfg.Tracer.Start(ctx, "detect.tick", trace.WithAttributes(
		observe.AttrOwnerID.String(req.OwnerID),
		observe.AttrSensitivity.Int(req.Sensitivity),
	))
	defer span.End()

	tctx, cancel := context.WithTimeout(ctx, l.cfg.TickTimeout)
	defer cancel()

	ev, stage, err := l.classify(tctx, stream, req.Sensitivity)
	l.cfg.Metrics.TickDuration.Record(ctx, time.Since(start).Seconds())

	outcome := "no_result"
	switch {
	case ctx.Err() != nil:
		outcome = "stopped"
	case errors.Is(tctx.Err(), context.DeadlineExceeded):
		outcome = "timeout"
		l.skipped.Add(1)
		l.cfg.Metrics.SkippedTicks.Add(ctx, 1)
		observe.FailSpan(span, stage, tctx.Err())
		slog.Warn("detection tick timed out", "owner_id", req.OwnerID, "timeout", l.cfg.TickTimeout)
	case errors.Is(err, errNoSnapshot), errors.Is(err, errStaleSnapshot):
		outcome = "no_audio"
		l.failures.Add(1)
		l.cfg.Metrics.RecordClassificationFailure(ctx, stage)
		span.SetAttributes(observe.AttrStage.String(stage))
		slog.Debug("detection tick skipped", "owner_id", req.OwnerID, "reason", err)
	case err != nil:
		outcome = "failed"
		l.failures.Add(1)
		l.cfg.Metrics.RecordClassificationFailure(ctx, stage)
		observe.FailSpan(span, stage, err)
		slog.Warn("classification failed", "owner_id", req.OwnerID, "stage", stage, "err", err)
	case ev != nil:
		outcome = "event"
		span.SetAttributes(observe.AttrLabel.String(string(ev.Label)))
		l.deliver(ctx, gen, req.Sink, *ev)
	}
	span.SetAttributes(observe.AttrOutcome.String(outcome))
	return stage != "snapshot"
}

// classify runs one snapshot through the extractor and classifier. A nil
// event with a nil error means the classifier had no reliable result.
func (l *Loop) classify(ctx context.Context, stream audio.Stream, sensitivity int) (*types.DetectionEvent, string, error) {
	snap, ok := stream.Snapshot()
	if !ok {
		return nil, "snapshot", errNoSnapshot
	}
	if !snap.CapturedAt.IsZero() && time.Since(snap.CapturedAt) > l.cfg.StaleAfter {
		return nil, "snapshot", errStaleSnapshot
	}

	_, espan := l.cfg.Tracer.Start(ctx, "detect.extract")
	fv, err := l.cfg.Extractor.Extract(snap)
	if err != nil {
		observe.FailSpan(espan, "extract", err)
		espan.End()
		return nil, "extract", err
	}
	espan.End()

	cctx, cspan := l.cfg.Tracer.Start(ctx, "detect.classify", trace.WithAttributes(observe.AttrSensitivity.Int(sensitivity)))
	defer cspan.End()
	cstart := time.Now()
	res, err := l.cfg.Classifier.Classify(cctx, fv, sensitivity)
	l.cfg.Metrics.ClassificationDuration.Record(ctx, time.Since(cstart).Seconds())
	switch {
	case err != nil:
	case res == nil:
		return nil, "", nil
	case !res.Label.IsValid():
		err = fmt.Errorf("detect: classifier returned unknown label %q", res.Label)
	case math.IsNaN(res.Confidence) || math.IsInf(res.Confidence, 0):
		err = fmt.Errorf("detect: classifier returned non-finite confidence %v", res.Confidence)
	}
	if err != nil {
		observe.FailSpan(cspan, "classify", err)
		return nil, "classify", err
	}
	cspan.SetAttributes(
		observe.AttrLabel.String(string(res.Label)),
		observe.AttrConfidence.Float64(res.Confidence),
	)

	ev := &types.DetectionEvent{
		Timestamp:  l.cfg.Clock().UTC(),
		Label:      res.Label,
		Confidence: min(max(res.Confidence, 0), 1),
		Source:     types.SourceAudio,
		Features:   []float64(fv),
	}
	if res.Label == types.LabelApnea {
		ev.Duration = snap.Duration()
	}
	return ev, "", nil
}

func (l *Loop) deliver(ctx context.Context, gen uint64, sink Sink, ev types.DetectionEvent) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()

	if l.gen.Load() != gen || sink == nil {
		return
	}
	l.events.Add(1)
	l.cfg.Metrics.RecordDetectionEvent(ctx, string(ev.Label), string(ev.Source))
	sink(ev)
}
