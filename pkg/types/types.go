// Package types defines the shared domain types used across somnolog packages.
//
// Detection sources, the aggregator, the session store and the persistence
// layer all exchange these values. Each package keeps its own internal types;
// only the cross-cutting records live here to avoid circular imports.
package types

import "time"

// Label is the outcome of classifying one audio window.
type Label string

const (
	// LabelNormal marks regular breathing.
	LabelNormal Label = "normal"

	// LabelApnea marks a suspected breathing pause.
	LabelApnea Label = "apnea"
)

// IsValid reports whether l is one of the known labels.
func (l Label) IsValid() bool {
	switch l {
	case LabelNormal, LabelApnea:
		return true
	}
	return false
}

// EventSource tells where a [DetectionEvent] came from. It is informational
// only; nothing downstream branches on it.
type EventSource string

const (
	SourceAudio     EventSource = "audio"
	SourceSynthetic EventSource = "synthetic"
)

// DetectionEvent is one classification result produced by a detection
// source. Events are immutable once created.
type DetectionEvent struct {
	// Timestamp is the wall-clock time the event was produced.
	Timestamp time.Time

	// Label is the classification outcome.
	Label Label

	// Confidence is the classifier's confidence in Label, in [0, 1].
	Confidence float64

	// Duration is the length of the detected condition. Zero means unknown.
	Duration time.Duration

	// Source records whether the event came from real audio or the
	// synthetic generator.
	Source EventSource

	// Features is the feature vector the classifier saw. Nil for synthetic
	// events. Persisted for dataset curation, never used for statistics.
	Features []float64
}

// Summary returns the per-event record kept in a session's event log.
func (e DetectionEvent) Summary() EventSummary {
	return EventSummary{
		Timestamp:  e.Timestamp,
		Label:      e.Label,
		Confidence: e.Confidence,
		Duration:   e.Duration,
	}
}

// EventSummary is the per-event record stored with a session.
type EventSummary struct {
	Timestamp  time.Time     `json:"timestamp"`
	Label      Label         `json:"label"`
	Confidence float64       `json:"confidence"`
	Duration   time.Duration `json:"duration"`
}

// SessionStats is the live statistics snapshot of a session.
//
// TotalEvents always equals ApneaCount + NormalCount. SeverityScore is always
// derived from the counts and the running average, never stored independently.
type SessionStats struct {
	TotalEvents       int           `json:"total_events"`
	ApneaCount        int           `json:"apnea_count"`
	NormalCount       int           `json:"normal_count"`
	ApneaPercentage   float64       `json:"apnea_percentage"`
	AverageConfidence float64       `json:"average_confidence"`
	SeverityScore     float64       `json:"severity_score"`
	Elapsed           time.Duration `json:"elapsed"`
}

// SeverityBand buckets a [ResultsSummary] by apnea events per hour.
type SeverityBand string

const (
	BandNormal   SeverityBand = "normal"
	BandMild     SeverityBand = "mild"
	BandModerate SeverityBand = "moderate"
	BandSevere   SeverityBand = "severe"
)

// ResultsSummary is the post-session metric shown on the results view. It is
// deliberately separate from SessionStats.SeverityScore and never replaces it.
type ResultsSummary struct {
	ApneaEventsPerHour float64       `json:"apnea_events_per_hour"`
	Band               SeverityBand  `json:"band"`
	LongestApnea       time.Duration `json:"longest_apnea"`
}

// FinalizedSession is the immutable record produced when a session ends.
type FinalizedSession struct {
	ID              string         `json:"id"`
	OwnerID         string         `json:"owner_id"`
	StartTime       time.Time      `json:"start_time"`
	EndTime         time.Time      `json:"end_time"`
	DurationMinutes float64        `json:"duration_minutes"`
	Events          []EventSummary `json:"events"`
	Stats           SessionStats   `json:"stats"`
	Summary         ResultsSummary `json:"summary"`
}
