package aggregate

import (
	"time"

	"github.com/somnolog/somnolog/pkg/types"
)

// Band limits in apnea events per hour.
const (
	mildFrom     = 5
	moderateFrom = 15
	severeFrom   = 30
)

// Summarize computes the post-session results metric. It is separate from the
// live severity score and never replaces it.
func Summarize(events []types.EventSummary, sessionDuration time.Duration) types.ResultsSummary {
	var apnea int
	var longest time.Duration
	for _, ev := range events {
		if ev.Label != types.LabelApnea {
			continue
		}
		apnea++
		longest = max(longest, ev.Duration)
	}

	var perHour float64
	if hours := sessionDuration.Hours(); hours > 0 {
		perHour = float64(apnea) / hours
	}
	return types.ResultsSummary{
		ApneaEventsPerHour: perHour,
		Band:               BandFor(perHour),
		LongestApnea:       longest,
	}
}

// BandFor buckets an apnea-per-hour rate.
func BandFor(perHour float64) types.SeverityBand {
	switch {
	case perHour >= severeFrom:
		return types.BandSevere
	case perHour >= moderateFrom:
		return types.BandModerate
	case perHour >= mildFrom:
		return types.BandMild
	default:
		return types.BandNormal
	}
}
