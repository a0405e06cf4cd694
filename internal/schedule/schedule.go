// Package schedule starts and stops tracking sessions automatically for
// owners whose settings select auto mode.
//
// Every interval the [Scheduler] evaluates each configured owner's schedule.
// Inside the window it starts a session when none is running; outside the
// window it stops the session only if the scheduler itself started it, so a
// session the user started by hand is never cut short.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/somnolog/somnolog/internal/settings"
)

// Target is the session controller the scheduler drives.
type Target interface {
	// StartTracking starts a session for ownerID.
	StartTracking(ctx context.Context, ownerID string) error

	// StopTracking stops the active session.
	StopTracking(ctx context.Context) error

	// ActiveOwner returns the owner of the running session, if any.
	ActiveOwner() (ownerID string, ok bool)
}

// DefaultInterval is the evaluation period used when none is configured.
const DefaultInterval = 30 * time.Second

// Config wires a [Scheduler].
type Config struct {
	Target   Target
	Settings settings.Provider

	// Owners are evaluated in order; the first owner inside its window wins
	// when the slot is free.
	Owners []string

	// Interval defaults to [DefaultInterval].
	Interval time.Duration

	// Clock overrides time.Now.
	Clock func() time.Time
}

// Scheduler drives a [Target] from owners' schedules.
type Scheduler struct {
	cfg Config

	mu      sync.Mutex
	started string // owner of the session this scheduler started
}

// New returns a Scheduler. Call [Scheduler.Run] to start it.
func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Scheduler{cfg: cfg}
}

// Run evaluates immediately and then every interval until ctx is done. It
// always returns nil so it can sit in an errgroup beside the HTTP server.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.cfg.Owners) == 0 {
		<-ctx.Done()
		return nil
	}
	slog.Info("scheduler started", "owners", len(s.cfg.Owners), "interval", s.cfg.Interval)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.Evaluate(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Evaluate runs one scheduling pass.
func (s *Scheduler) Evaluate(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock()
	active, running := s.cfg.Target.ActiveOwner()
	if s.started != "" && (!running || active != s.started) {
		// Stopped by hand or replaced; no longer ours to stop.
		s.started = ""
	}

	for _, owner := range s.cfg.Owners {
		us, err := s.cfg.Settings.Get(ctx, owner)
		if err != nil {
			slog.Warn("scheduler: read settings", "owner_id", owner, "err", err)
			continue
		}
		if us.Mode != settings.ModeAuto {
			continue
		}
		inside, err := us.Schedule.Contains(now)
		if err != nil {
			slog.Warn("scheduler: invalid schedule", "owner_id", owner, "err", err)
			continue
		}

		switch {
		case inside && !running:
			if err := s.cfg.Target.StartTracking(ctx, owner); err != nil {
				slog.Warn("scheduler: start tracking", "owner_id", owner, "err", err)
				continue
			}
			s.started, active, running = owner, owner, true
			slog.Info("scheduler: started session", "owner_id", owner)
		case !inside && running && s.started == owner:
			if err := s.cfg.Target.StopTracking(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("scheduler: stop tracking", "owner_id", owner, "err", err)
			}
			s.started, running = "", false
			slog.Info("scheduler: stopped session", "owner_id", owner)
		}
	}
}

// StartedOwner returns the owner of the session the scheduler started, or ""
// if it started none that is still running.
func (s *Scheduler) StartedOwner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
