// Package aggregate maintains live statistics for a detection session.
//
// The [Aggregator] folds detection events into a [types.SessionStats] one at a
// time. [Recompute] is the reference fold over a full event log; the
// incremental path must always agree with it, so severity and percentages are
// derived from authoritative counts on every update rather than accumulated.
package aggregate

import (
	"math"
	"sync"
	"time"

	"github.com/somnolog/somnolog/pkg/types"
)

// Severity weights: the live score blends how often apnea is flagged with how
// sure the classifier was overall.
const (
	apneaWeight      = 0.7
	confidenceWeight = 0.3
)

// Severity returns the live severity score in [0, 100]. Non-finite inputs
// score 0.
func Severity(apneaPct, avgConfidence float64) float64 {
	s := apneaPct*apneaWeight + avgConfidence*100*confidenceWeight
	if math.IsNaN(s) {
		return 0
	}
	return math.Max(0, math.Min(100, s))
}

// countable reports whether an event takes part in the statistics: its label
// is known and its confidence is a finite number.
func countable(label types.Label, confidence float64) bool {
	return label.IsValid() && !math.IsNaN(confidence) && !math.IsInf(confidence, 0)
}

// derive fills the fields computed from counts and the running average.
func derive(s *types.SessionStats) {
	s.TotalEvents = s.ApneaCount + s.NormalCount
	s.ApneaPercentage = 0
	if s.TotalEvents > 0 {
		s.ApneaPercentage = float64(s.ApneaCount) / float64(s.TotalEvents) * 100
	}
	s.SeverityScore = Severity(s.ApneaPercentage, s.AverageConfidence)
}

// Aggregator accumulates events for one session.
//
// Aggregator is safe for concurrent use.
type Aggregator struct {
	mu     sync.Mutex
	start  time.Time
	stats  types.SessionStats
	events []types.EventSummary
}

// New returns an Aggregator for a session that started at start.
func New(start time.Time) *Aggregator {
	return &Aggregator{start: start}
}

// OnEvent folds ev into the statistics and returns the new snapshot. Events
// with an unknown label or a non-finite confidence are ignored.
func (a *Aggregator) OnEvent(ev types.DetectionEvent) types.SessionStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !countable(ev.Label, ev.Confidence) {
		return a.stats
	}
	switch ev.Label {
	case types.LabelApnea:
		a.stats.ApneaCount++
	case types.LabelNormal:
		a.stats.NormalCount++
	}
	n := float64(a.stats.ApneaCount + a.stats.NormalCount)
	a.stats.AverageConfidence += (ev.Confidence - a.stats.AverageConfidence) / n
	derive(&a.stats)

	a.events = append(a.events, ev.Summary())
	return a.stats
}

// OnTick refreshes only the elapsed time.
func (a *Aggregator) OnTick(now time.Time) types.SessionStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.Elapsed = elapsed(a.start, now)
	return a.stats
}

// Snapshot returns the current statistics.
func (a *Aggregator) Snapshot() types.SessionStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Events returns a copy of the event log in delivery order.
func (a *Aggregator) Events() []types.EventSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.EventSummary, len(a.events))
	copy(out, a.events)
	return out
}

// Start reports when the session began.
func (a *Aggregator) Start() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.start
}

// Reset clears all state for a new session starting at start.
func (a *Aggregator) Reset(start time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.start = start
	a.stats = types.SessionStats{}
	a.events = nil
}

// Recompute folds a complete event log from scratch. It is the reference the
// incremental path is checked against.
func Recompute(start, now time.Time, events []types.EventSummary) types.SessionStats {
	var s types.SessionStats
	var sum float64
	for _, ev := range events {
		if !countable(ev.Label, ev.Confidence) {
			continue
		}
		switch ev.Label {
		case types.LabelApnea:
			s.ApneaCount++
		case types.LabelNormal:
			s.NormalCount++
		default:
			continue
		}
		sum += ev.Confidence
	}
	if n := s.ApneaCount + s.NormalCount; n > 0 {
		s.AverageConfidence = sum / float64(n)
	}
	derive(&s)
	s.Elapsed = elapsed(start, now)
	return s
}

func elapsed(start, now time.Time) time.Duration {
	if now.Before(start) {
		return 0
	}
	return now.Sub(start).Truncate(time.Second)
}
