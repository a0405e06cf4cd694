// Package app wires all somnolog subsystems into a running service.
//
// The App struct owns the full lifecycle: New opens storage, builds the
// detection pipeline from the provider registry and mounts the HTTP surface;
// Run serves until the context is cancelled; Shutdown ends any active session
// and tears everything down in order.
//
// For testing, inject doubles via functional options (WithBackend, WithSlot,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/somnolog/somnolog/internal/config"
	"github.com/somnolog/somnolog/internal/detect"
	"github.com/somnolog/somnolog/internal/health"
	"github.com/somnolog/somnolog/internal/notify"
	"github.com/somnolog/somnolog/internal/observe"
	"github.com/somnolog/somnolog/internal/persist"
	"github.com/somnolog/somnolog/internal/persist/postgres"
	"github.com/somnolog/somnolog/internal/persist/sqlite"
	"github.com/somnolog/somnolog/internal/resilience"
	"github.com/somnolog/somnolog/internal/schedule"
	"github.com/somnolog/somnolog/internal/session"
	"github.com/somnolog/somnolog/internal/settings"
	"github.com/somnolog/somnolog/pkg/provider/classifier"
)

// shutdownGrace bounds the HTTP server's graceful shutdown.
const shutdownGrace = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics
	clock   func() time.Time

	// Subsystems, initialised in New and torn down in Shutdown.
	backend   persist.Backend
	slot      session.Slot
	store     *session.Store
	defaults  *settings.Static
	settings  *settings.Stored
	hub       *notify.Hub
	writer    *persist.Writer
	tracker   *Tracker
	scheduler *schedule.Scheduler
	handler   http.Handler

	// fallbackP holds the synthetic apnea probability as float64 bits so a
	// config reload can change it between sessions.
	fallbackP atomic.Uint64

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBackend injects a storage backend instead of opening one from config.
// If it also implements [settings.Store], settings are saved there too.
func WithBackend(b persist.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithSlot injects the active-session slot instead of creating one.
func WithSlot(s session.Slot) Option {
	return func(a *App) { a.slot = s }
}

// WithMetrics injects the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock overrides time.Now for sessions and the scheduler.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.clock = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Providers are built
// from reg, which must already hold the builtins (see [RegisterBuiltins]).
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, clock: time.Now}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.setFallbackProbability(cfg.Detection.FallbackApneaProbability)

	// ── 1. Storage ───────────────────────────────────────────────────────
	if err := a.initStorage(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init storage: %w", err)
	}

	// ── 2. Session slot ──────────────────────────────────────────────────
	if err := a.initSlot(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init slot: %w", err)
	}
	a.store = session.NewStore(a.slot, session.WithClock(a.clock))

	// ── 3. Settings ──────────────────────────────────────────────────────
	a.defaults = settings.NewStatic(cfg.Settings.Defaults)
	var ss settings.Store = settings.NewMemoryStore()
	if s, ok := a.backend.(settings.Store); ok {
		ss = s
	}
	a.settings = settings.NewStored(ss, a.defaults)

	// ── 4. Detection pipeline ────────────────────────────────────────────
	mux := http.NewServeMux()
	loop, err := a.buildLoop(reg, mux)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: build detection: %w", err)
	}

	// ── 5. Tracker and persistence hand-off ──────────────────────────────
	a.hub = notify.NewHub(0)
	var tracker *Tracker
	if a.backend != nil {
		a.writer = persist.NewWriter(a.backend, persist.WriterConfig{
			QueueSize: cfg.Storage.QueueSize,
			OpTimeout: cfg.Storage.OpTimeout,
			Metrics:   a.metrics,
			OnFailure: func(op persist.Op, id string, err error) {
				tracker.PersistFailed(op, id, err)
			},
		})
	}
	trackerCfg := TrackerConfig{
		Store:           a.store,
		Settings:        a.settings,
		Audio:           loop,
		Writer:          a.writer,
		Hub:             a.hub,
		Metrics:         a.metrics,
		ElapsedInterval: cfg.Detection.ElapsedInterval,
		Clock:           a.clock,
	}
	if cfg.Detection.SyntheticFallbackEnabled() {
		trackerCfg.Fallback = a.newSynthetic
	}
	tracker = NewTracker(trackerCfg)
	a.tracker = tracker

	// ── 6. Recover a session abandoned by a previous process ─────────────
	fin, err := a.store.Recover(ctx)
	if err != nil {
		slog.Warn("app: session recovery failed", "err", err)
	} else if fin != nil {
		a.tracker.HandOffRecovered(*fin)
	}

	// ── 7. Scheduler ─────────────────────────────────────────────────────
	a.scheduler = schedule.New(schedule.Config{
		Target:   a.tracker,
		Settings: a.settings,
		Owners:   cfg.Settings.AutoOwners,
		Interval: cfg.Settings.ScheduleInterval,
		Clock:    a.clock,
	})

	// ── 8. HTTP surface ──────────────────────────────────────────────────
	api := &API{Tracker: a.tracker, Settings: a.settings}
	if a.backend != nil {
		api.History = a.backend
	}
	api.Register(mux)
	mux.Handle("GET /api/stream", &notify.StreamHandler{
		Hub:            a.hub,
		Metrics:        a.metrics,
		OriginPatterns: cfg.Server.OriginPatterns,
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	checks := []health.Checker{health.Ping("slot", a.slot)}
	if a.backend != nil {
		checks = append(checks, health.Ping("storage", a.backend))
	}
	health.New(checks...).Register(mux)

	a.handler = observe.Middleware(a.metrics)(mux)

	slog.Info("app initialised",
		"storage", cfg.Storage.Backend,
		"slot", cfg.Slot.Backend,
		"audio", cfg.Providers.Audio.Name,
		"classifier", cfg.Providers.Classifier.Name,
		"synthetic_fallback", cfg.Detection.SyntheticFallbackEnabled(),
	)
	return a, nil
}

func (a *App) initStorage(ctx context.Context) error {
	if a.backend != nil {
		return nil
	}
	var (
		b   persist.Backend
		err error
	)
	switch a.cfg.Storage.Backend {
	case config.StorageNone, "":
		return nil
	case config.StoragePostgres:
		var s *postgres.Store
		if s, err = postgres.Open(ctx, a.cfg.Storage.PostgresDSN, a.cfg.Storage.FeatureDimensions); err == nil {
			b, err = s, s.Migrate(ctx)
		}
	case config.StorageSQLite:
		var s *sqlite.Store
		if s, err = sqlite.Open(a.cfg.Storage.SQLitePath); err == nil {
			b, err = s, s.Migrate(ctx)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
	if b != nil {
		a.closers = append(a.closers, b.Close)
	}
	if err != nil {
		return err
	}
	a.backend = b
	return nil
}

func (a *App) initSlot(ctx context.Context) error {
	if a.slot != nil {
		return nil
	}
	if a.cfg.Slot.Backend != config.SlotRedis {
		a.slot = session.NewMemorySlot()
		return nil
	}
	rs, err := session.NewRedisSlot(ctx, session.RedisConfig{
		Addr:     a.cfg.Slot.RedisAddr,
		Password: a.cfg.Slot.RedisPassword,
		DB:       a.cfg.Slot.RedisDB,
		Key:      a.cfg.Slot.Key,
	})
	if err != nil {
		return err
	}
	a.slot = rs
	a.closers = append(a.closers, rs.Close)
	return nil
}

// buildLoop creates the audio source, extractor and classifier chain, and
// mounts the source's ingest endpoint if it has one.
func (a *App) buildLoop(reg *config.Registry, mux *http.ServeMux) (*detect.Loop, error) {
	pc := a.cfg.Providers

	src, err := reg.CreateAudio(pc.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: %w", err)
	}
	if r, ok := src.(interface{ Register(*http.ServeMux) }); ok {
		r.Register(mux)
	}

	ex, err := reg.CreateFeatures(pc.Features)
	if err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}

	cls, err := a.buildClassifier(reg)
	if err != nil {
		return nil, err
	}

	return detect.NewLoop(detect.LoopConfig{
		Source:      src,
		Extractor:   ex,
		Classifier:  cls,
		Interval:    a.cfg.Detection.Interval,
		TickTimeout: a.cfg.Detection.TickTimeout,
		LostAfter:   a.cfg.Detection.LostAfter,
		Metrics:     a.metrics,
		Clock:       a.clock,
	})
}

// buildClassifier wraps the primary classifier in a breaker-guarded fallback
// chain when fallbacks are configured.
func (a *App) buildClassifier(reg *config.Registry) (classifier.Classifier, error) {
	pc := a.cfg.Providers
	primary, err := reg.CreateClassifier(pc.Classifier)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	if len(pc.ClassifierFallbacks) == 0 {
		return primary, nil
	}

	fb := resilience.NewClassifierFallback(primary, pc.Classifier.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, _, to resilience.State) {
				a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	})
	for i, e := range pc.ClassifierFallbacks {
		c, err := reg.CreateClassifier(e)
		if err != nil {
			return nil, fmt.Errorf("classifier fallback %d: %w", i, err)
		}
		fb.AddFallback(e.Name, c)
	}
	return fb, nil
}

func (a *App) newSynthetic() detect.EventSource {
	return detect.NewSynthetic(detect.SyntheticConfig{
		Interval:         a.cfg.Detection.Interval,
		ApneaProbability: math.Float64frombits(a.fallbackP.Load()),
		Seed:             a.cfg.Detection.Seed,
		Metrics:          a.metrics,
		Clock:            a.clock,
	})
}

func (a *App) setFallbackProbability(p float64) {
	a.fallbackP.Store(math.Float64bits(p))
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Tracker returns the session controller.
func (a *App) Tracker() *Tracker { return a.tracker }

// Hub returns the live-update hub.
func (a *App) Hub() *notify.Hub { return a.hub }

// ApplyReload applies the reloadable parts of a configuration change. Fields
// that need a restart are only logged.
func (a *App) ApplyReload(diff config.ConfigDiff, next *config.Config) {
	if diff.DefaultsChanged {
		a.defaults.SetDefaults(next.Settings.Defaults)
		slog.Info("config reload: default settings updated", "sensitivity", next.Settings.Defaults.Sensitivity)
	}
	if diff.FallbackProbabilityChanged {
		a.setFallbackProbability(diff.NewFallbackProbability)
		slog.Info("config reload: fallback apnea probability updated", "probability", diff.NewFallbackProbability)
	}
	for _, field := range diff.RestartRequired {
		slog.Warn("config reload: change requires a restart", "field", field)
	}
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run serves HTTP and runs the scheduler until ctx is cancelled. It returns
// the first fatal error, or nil on a clean stop.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	return g.Wait()
}

// Shutdown ends any active session, drains the persistence queue and closes
// storage. It is idempotent; only the first call does work.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if _, err := a.tracker.Stop(ctx); err != nil && !errors.Is(err, session.ErrNoActiveSession) {
			errs = append(errs, fmt.Errorf("stop tracking: %w", err))
		}
		if a.writer != nil {
			if err := a.writer.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("drain persistence queue (%d pending): %w", a.writer.Pending(), err))
			}
		}
		if err := a.closeAll(); err != nil {
			errs = append(errs, err)
		}
		slog.Info("app shut down")
	})
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
