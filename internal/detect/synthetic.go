package detect

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/somnolog/somnolog/internal/observe"
	"github.com/somnolog/somnolog/pkg/provider/classifier"
	"github.com/somnolog/somnolog/pkg/types"
)

// DefaultApneaProbability is the chance of an apnea event per tick at the
// default sensitivity.
const DefaultApneaProbability = 0.15

// SyntheticConfig configures a [Synthetic] generator.
type SyntheticConfig struct {
	// Interval is the emission period. Default: [DefaultInterval].
	Interval time.Duration

	// ApneaProbability is the per-tick apnea chance at
	// [classifier.DefaultSensitivity]. Default: [DefaultApneaProbability].
	ApneaProbability float64

	// Seed makes the sequence reproducible. Zero picks a random seed.
	Seed uint64

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Clock overrides time.Now for event timestamps.
	Clock func() time.Time
}

// Synthetic is the simulated [EventSource]. It needs no device and never
// fails to start.
type Synthetic struct {
	cfg SyntheticConfig

	mu     sync.Mutex
	state  State
	rng    *rand.Rand
	cancel context.CancelFunc
	done   chan struct{}

	gen    atomic.Uint64
	emitMu sync.Mutex
}

var _ EventSource = (*Synthetic)(nil)

// NewSynthetic returns an idle generator.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ApneaProbability <= 0 {
		cfg.ApneaProbability = DefaultApneaProbability
	}
	if cfg.Seed == 0 {
		cfg.Seed = rand.Uint64()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Synthetic{
		cfg:   cfg,
		state: StateIdle,
		rng:   rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

// ApneaProbability returns the per-tick apnea chance for sensitivity. Higher
// sensitivity never lowers it: the base rate is scaled from 0.6x at
// sensitivity 1 to 1.5x at sensitivity 10 and capped at 1.
func (s *Synthetic) ApneaProbability(sensitivity int) float64 {
	scale := 0.5 + 0.1*float64(classifier.ClampSensitivity(sensitivity))
	return min(s.cfg.ApneaProbability*scale, 1)
}

// Start implements [EventSource]. It fails only with [ErrAlreadyRunning].
func (s *Synthetic) Start(ctx context.Context, req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return ErrAlreadyRunning
	}
	gen := s.gen.Add(1)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = StateListening

	go s.run(runCtx, gen, req, s.done)

	slog.Info("synthetic detection started",
		"owner_id", req.OwnerID,
		"sensitivity", req.Sensitivity,
		"apnea_probability", s.ApneaProbability(req.Sensitivity),
	)
	return nil
}

// Stop implements [EventSource].
func (s *Synthetic) Stop() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.gen.Add(1)
	s.cancel()
	done := s.done
	s.state = StateIdle
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	s.emitMu.Lock()
	s.emitMu.Unlock()
	<-done
	slog.Info("synthetic detection stopped")
}

// State implements [EventSource].
func (s *Synthetic) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Synthetic) run(ctx context.Context, gen uint64, req Request, done chan struct{}) {
	defer close(done)

	p := s.ApneaProbability(req.Sensitivity)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.deliver(ctx, gen, req.Sink, s.next(p))
		}
	}
}

// Next returns one event drawn for sensitivity without starting the
// generator. The offline simulate command uses it to run a session faster
// than real time.
func (s *Synthetic) Next(sensitivity int) types.DetectionEvent {
	return s.next(s.ApneaProbability(sensitivity))
}

func (s *Synthetic) next(p float64) types.DetectionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := types.DetectionEvent{
		Timestamp: s.cfg.Clock().UTC(),
		Source:    types.SourceSynthetic,
	}
	if s.rng.Float64() < p {
		ev.Label = types.LabelApnea
		ev.Confidence = 0.6 + s.rng.Float64()*0.35
		ev.Duration = time.Duration(10+s.rng.IntN(31)) * time.Second
	} else {
		ev.Label = types.LabelNormal
		ev.Confidence = 0.6 + s.rng.Float64()*0.39
	}
	return ev
}

func (s *Synthetic) deliver(ctx context.Context, gen uint64, sink Sink, ev types.DetectionEvent) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if s.gen.Load() != gen || sink == nil {
		return
	}
	s.cfg.Metrics.RecordDetectionEvent(ctx, string(ev.Label), string(ev.Source))
	sink(ev)
}
