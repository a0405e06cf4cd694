package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/somnolog/somnolog/internal/aggregate"
	"github.com/somnolog/somnolog/internal/app"
	"github.com/somnolog/somnolog/internal/config"
	"github.com/somnolog/somnolog/internal/detect"
	"github.com/somnolog/somnolog/internal/session"
	"github.com/somnolog/somnolog/internal/settings"
	"github.com/somnolog/somnolog/pkg/provider/classifier"
	"github.com/somnolog/somnolog/pkg/types"
)

// simulateOwner owns offline sessions.
const simulateOwner = "simulate"

type simulateOptions struct {
	configPath  string
	duration    time.Duration
	sensitivity int
	seed        uint64
	probability float64
	input       string
	speed       float64
}

func newSimulateCmd() *cobra.Command {
	var o simulateOptions
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run one session offline and print the finalized result as JSON",
		Long: `Runs one detection session without the HTTP service.

Without --input the synthetic generator is used and the session completes
instantly. With --input the raw PCM file is replayed through the configured
feature extractor and classifier, --speed times faster than real time.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var (
				fin types.FinalizedSession
				err error
			)
			if o.input == "" {
				fin, err = simulateSynthetic(ctx, o)
			} else {
				fin, err = simulateFile(ctx, o)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), fin)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.configPath, "config", "", "optional configuration file for provider selection")
	f.DurationVar(&o.duration, "duration", 8*time.Hour, "simulated session length")
	f.IntVar(&o.sensitivity, "sensitivity", classifier.DefaultSensitivity, "detection sensitivity (1-10)")
	f.Uint64Var(&o.seed, "seed", 0, "random seed; 0 picks one")
	f.Float64Var(&o.probability, "probability", detect.DefaultApneaProbability, "synthetic apnea probability at the default sensitivity")
	f.StringVar(&o.input, "input", "", "raw PCM16 file to replay instead of synthetic events")
	f.Float64Var(&o.speed, "speed", 60, "replay speed multiplier for --input")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// simulateSynthetic draws one event per detection interval on a virtual
// clock, so an eight-hour night completes immediately. It bypasses the
// session store, whose slot mirror copies the event log on every event.
func simulateSynthetic(ctx context.Context, o simulateOptions) (types.FinalizedSession, error) {
	const interval = detect.DefaultInterval
	start := time.Now().UTC().Truncate(time.Second)
	now := start

	syn := detect.NewSynthetic(detect.SyntheticConfig{
		Interval:         interval,
		ApneaProbability: o.probability,
		Seed:             o.seed,
		Clock:            func() time.Time { return now },
	})
	rec := session.Record{ID: uuid.NewString(), OwnerID: simulateOwner, StartTime: start}
	agg := aggregate.New(start)

	sens := classifier.ClampSensitivity(o.sensitivity)
	for now.Sub(start) < o.duration && ctx.Err() == nil {
		now = now.Add(interval)
		ev := syn.Next(sens)
		agg.OnEvent(ev)
		rec.Events = append(rec.Events, ev.Summary())
	}
	rec.Stats = agg.OnTick(now)
	return session.Finalize(rec, now), nil
}

// scaledClock runs speed times faster than the wall clock from now on.
func scaledClock(speed float64) func() time.Time {
	origin := time.Now()
	return func() time.Time {
		return origin.Add(time.Duration(float64(time.Since(origin)) * speed))
	}
}

// simulateFile replays a PCM file through the real detection loop.
func simulateFile(ctx context.Context, o simulateOptions) (types.FinalizedSession, error) {
	cfg := &config.Config{}
	if o.configPath != "" {
		loaded, err := loadConfig(o.configPath)
		if err != nil {
			return types.FinalizedSession{}, err
		}
		cfg = loaded
	} else {
		config.ApplyDefaults(cfg)
	}
	if o.speed <= 0 {
		o.speed = 1
	}

	reg := config.NewRegistry()
	app.RegisterBuiltins(reg, cfg)
	src, err := reg.CreateAudio(config.ProviderEntry{Name: "pcmfile", Options: map[string]any{"speed": o.speed}})
	if err != nil {
		return types.FinalizedSession{}, err
	}
	ex, err := reg.CreateFeatures(cfg.Providers.Features)
	if err != nil {
		return types.FinalizedSession{}, err
	}
	cls, err := reg.CreateClassifier(cfg.Providers.Classifier)
	if err != nil {
		return types.FinalizedSession{}, err
	}

	clock := scaledClock(o.speed)
	interval := time.Duration(float64(cfg.Detection.Interval) / o.speed)
	loop, err := detect.NewLoop(detect.LoopConfig{
		Source:     src,
		Extractor:  ex,
		Classifier: cls,
		Interval:   interval,
		Clock:      clock,
	})
	if err != nil {
		return types.FinalizedSession{}, err
	}

	us := settings.Defaults()
	us.Sensitivity = classifier.ClampSensitivity(o.sensitivity)
	us.DeviceID = o.input
	tracker := app.NewTracker(app.TrackerConfig{
		Store:           session.NewStore(nil, session.WithClock(clock)),
		Settings:        settings.NewStatic(us),
		Audio:           loop,
		ElapsedInterval: interval,
		Clock:           clock,
	})
	if _, err := tracker.Start(ctx, simulateOwner); err != nil {
		return types.FinalizedSession{}, err
	}

	fmt.Fprintf(os.Stderr, "replaying %s for %s (%.0fx)\n", o.input, o.duration, o.speed)
	timer := time.NewTimer(time.Duration(float64(o.duration) / o.speed))
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return tracker.Stop(context.WithoutCancel(ctx))
}
