package aggregate_test

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/somnolog/somnolog/internal/aggregate"
	"github.com/somnolog/somnolog/pkg/types"
)

var t0 = time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)

func event(label types.Label, conf float64) types.DetectionEvent {
	return types.DetectionEvent{Timestamp: t0, Label: label, Confidence: conf, Source: types.SourceAudio}
}

func near(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestAggregator_ThreeEventScenario(t *testing.T) {
	t.Parallel()
	agg := aggregate.New(t0)
	agg.OnEvent(event(types.LabelApnea, 0.8))
	agg.OnEvent(event(types.LabelNormal, 0.2))
	s := agg.OnEvent(event(types.LabelApnea, 0.9))

	if s.TotalEvents != 3 || s.ApneaCount != 2 || s.NormalCount != 1 {
		t.Fatalf("counts = %d/%d/%d, want 3/2/1", s.TotalEvents, s.ApneaCount, s.NormalCount)
	}
	if !near(s.ApneaPercentage, 66.6667, 1e-3) {
		t.Errorf("apnea percentage = %f, want 66.67", s.ApneaPercentage)
	}
	if !near(s.AverageConfidence, 0.6333, 1e-3) {
		t.Errorf("average confidence = %f, want 0.633", s.AverageConfidence)
	}
	// 66.667*0.7 + 63.333*0.3
	if !near(s.SeverityScore, 65.6667, 1e-3) {
		t.Errorf("severity = %f, want 65.67", s.SeverityScore)
	}
	if got := len(agg.Events()); got != 3 {
		t.Errorf("event log length = %d, want 3", got)
	}
}

func TestAggregator_Empty(t *testing.T) {
	t.Parallel()
	s := aggregate.New(t0).Snapshot()
	if s.TotalEvents != 0 || s.ApneaPercentage != 0 || s.SeverityScore != 0 {
		t.Errorf("empty stats = %+v, want all zero", s)
	}
	r := aggregate.Recompute(t0, t0, nil)
	if r.ApneaPercentage != 0 || r.AverageConfidence != 0 {
		t.Errorf("recompute of empty log = %+v, want zero", r)
	}
}

func TestAggregator_IgnoresUnknownLabel(t *testing.T) {
	t.Parallel()
	agg := aggregate.New(t0)
	s := agg.OnEvent(event("snore", 0.5))
	if s.TotalEvents != 0 || len(agg.Events()) != 0 {
		t.Errorf("unknown label was counted: %+v", s)
	}
}

func TestAggregator_IgnoresNonFiniteConfidence(t *testing.T) {
	t.Parallel()
	agg := aggregate.New(t0)
	agg.OnEvent(event(types.LabelApnea, 0.8))
	agg.OnEvent(event(types.LabelNormal, math.NaN()))
	s := agg.OnEvent(event(types.LabelNormal, math.Inf(1)))

	if s.TotalEvents != 1 || s.ApneaCount != 1 {
		t.Errorf("counts = %+v, want only the finite event", s)
	}
	if s.AverageConfidence != 0.8 || !near(s.SeverityScore, 94, 1e-9) {
		t.Errorf("avg=%v severity=%v, want 0.8 and 94", s.AverageConfidence, s.SeverityScore)
	}
	if got := len(agg.Events()); got != 1 {
		t.Errorf("event log length = %d, want 1", got)
	}

	log := []types.EventSummary{
		{Label: types.LabelApnea, Confidence: 0.8},
		{Label: types.LabelNormal, Confidence: math.NaN()},
	}
	if r := aggregate.Recompute(t0, t0, log); r != s {
		t.Errorf("recompute = %+v, want %+v", r, s)
	}
}

func TestSeverity_NaNScoresZero(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		pct, conf float64
		want      float64
	}{
		{"nan confidence", 50, math.NaN(), 0},
		{"nan percentage", math.NaN(), 0.5, 0},
		{"overflow", 100, 1, 100},
		{"negative", -10, 0, 0},
	}
	for _, tt := range tests {
		if got := aggregate.Severity(tt.pct, tt.conf); got != tt.want {
			t.Errorf("%s: Severity(%v, %v) = %v, want %v", tt.name, tt.pct, tt.conf, got, tt.want)
		}
	}
}

func TestAggregator_OnTickOnlyTouchesElapsed(t *testing.T) {
	t.Parallel()
	agg := aggregate.New(t0)
	before := agg.OnEvent(event(types.LabelApnea, 0.7))
	after := agg.OnTick(t0.Add(90*time.Second + 400*time.Millisecond))

	if after.Elapsed != 90*time.Second {
		t.Errorf("elapsed = %v, want 1m30s", after.Elapsed)
	}
	after.Elapsed = before.Elapsed
	if after != before {
		t.Errorf("OnTick changed counts: before %+v after %+v", before, after)
	}
	if got := agg.OnTick(t0.Add(-time.Second)).Elapsed; got != 0 {
		t.Errorf("clock skew elapsed = %v, want 0", got)
	}
}

func TestAggregator_Reset(t *testing.T) {
	t.Parallel()
	agg := aggregate.New(t0)
	agg.OnEvent(event(types.LabelApnea, 0.7))
	later := t0.Add(time.Hour)
	agg.Reset(later)
	if s := agg.Snapshot(); s.TotalEvents != 0 {
		t.Errorf("stats after reset = %+v", s)
	}
	if !agg.Start().Equal(later) {
		t.Errorf("start = %v, want %v", agg.Start(), later)
	}
}

// The incremental fold must agree with a full recompute for any sequence, and
// the invariants on counts and severity must hold after every event.
func TestAggregator_MatchesRecompute(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(1, 2))
	for trial := range 50 {
		n := rng.IntN(1001)
		agg := aggregate.New(t0)
		var log []types.EventSummary
		for i := range n {
			label := types.LabelNormal
			if rng.Float64() < 0.3 {
				label = types.LabelApnea
			}
			ev := event(label, rng.Float64())
			s := agg.OnEvent(ev)
			log = append(log, ev.Summary())

			if s.TotalEvents != s.ApneaCount+s.NormalCount {
				t.Fatalf("trial %d event %d: total %d != %d+%d", trial, i, s.TotalEvents, s.ApneaCount, s.NormalCount)
			}
			if s.SeverityScore < 0 || s.SeverityScore > 100 {
				t.Fatalf("trial %d event %d: severity %f out of range", trial, i, s.SeverityScore)
			}
		}

		now := t0.Add(time.Duration(n) * time.Second)
		inc := agg.OnTick(now)
		full := aggregate.Recompute(t0, now, log)
		if inc.TotalEvents != full.TotalEvents || inc.ApneaCount != full.ApneaCount || inc.NormalCount != full.NormalCount {
			t.Fatalf("trial %d: counts differ: inc %+v full %+v", trial, inc, full)
		}
		if !near(inc.AverageConfidence, full.AverageConfidence, 1e-9) ||
			!near(inc.ApneaPercentage, full.ApneaPercentage, 1e-9) ||
			!near(inc.SeverityScore, full.SeverityScore, 1e-9) ||
			inc.Elapsed != full.Elapsed {
			t.Fatalf("trial %d: stats differ: inc %+v full %+v", trial, inc, full)
		}
	}
}

func TestSeverity_Clamped(t *testing.T) {
	t.Parallel()
	if got := aggregate.Severity(100, 1); got != 100 {
		t.Errorf("Severity(100, 1) = %f, want 100", got)
	}
	if got := aggregate.Severity(200, 2); got != 100 {
		t.Errorf("Severity(200, 2) = %f, want 100 (clamped)", got)
	}
	if got := aggregate.Severity(-10, 0); got != 0 {
		t.Errorf("Severity(-10, 0) = %f, want 0 (clamped)", got)
	}
}
