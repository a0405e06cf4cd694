// Package classifier defines the Classifier interface that labels a feature
// vector as normal breathing or apnea.
//
// A classifier is a pluggable strategy: the detection loop does not know
// whether it talks to a local heuristic, a remote model server, or the
// seeded random stand-in used for demos and tests. All of them share the same
// sensitivity semantics through [Threshold]: a higher user sensitivity lowers
// the score needed to call a window apnea, so it never yields fewer apnea
// labels for the same input.
//
// Returning (nil, nil) means "no reliable result" and produces no event. An
// error means the classification attempt itself failed (network, model). In
// both cases the caller skips the tick. Implementations must never panic on
// malformed input.
package classifier

import (
	"context"

	"github.com/somnolog/somnolog/pkg/provider/features"
	"github.com/somnolog/somnolog/pkg/types"
)

// Sensitivity bounds.
const (
	MinSensitivity     = 1
	MaxSensitivity     = 10
	DefaultSensitivity = 5
)

// Result is a single classification outcome.
type Result struct {
	Label      types.Label
	Confidence float64
}

// Classifier labels feature vectors.
//
// Implementations must be safe for concurrent use.
type Classifier interface {
	// Classify labels fv. sensitivity is the user setting in
	// [MinSensitivity, MaxSensitivity]; out-of-range values are clamped.
	Classify(ctx context.Context, fv features.Vector, sensitivity int) (*Result, error)
}

// ClampSensitivity forces s into the valid range.
func ClampSensitivity(s int) int {
	return min(max(s, MinSensitivity), MaxSensitivity)
}

// Threshold maps a sensitivity to the apnea score threshold: 0.90 at
// sensitivity 1 down to 0.45 at sensitivity 10.
func Threshold(sensitivity int) float64 {
	steps := ClampSensitivity(sensitivity) - MinSensitivity
	return float64(90-5*steps) / 100
}

// Decide turns an apnea score in [0, 1] into a Result for the given
// sensitivity. Scores at or above the threshold are apnea with the score as
// confidence; others are normal with confidence 1-score.
func Decide(score float64, sensitivity int) *Result {
	score = min(max(score, 0), 1)
	if score >= Threshold(sensitivity) {
		return &Result{Label: types.LabelApnea, Confidence: score}
	}
	return &Result{Label: types.LabelNormal, Confidence: 1 - score}
}
