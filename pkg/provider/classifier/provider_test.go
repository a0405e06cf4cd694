package classifier_test

import (
	"math"
	"testing"

	"github.com/somnolog/somnolog/pkg/provider/classifier"
	"github.com/somnolog/somnolog/pkg/types"
)

func TestThreshold_MonotonicInSensitivity(t *testing.T) {
	t.Parallel()
	prev := math.Inf(1)
	for s := classifier.MinSensitivity; s <= classifier.MaxSensitivity; s++ {
		th := classifier.Threshold(s)
		if th >= prev {
			t.Errorf("Threshold(%d) = %f, not below Threshold(%d) = %f", s, th, s-1, prev)
		}
		prev = th
	}
	if got := classifier.Threshold(0); got != classifier.Threshold(1) {
		t.Errorf("Threshold(0) should clamp to Threshold(1), got %f", got)
	}
	if got := classifier.Threshold(42); got != classifier.Threshold(10) {
		t.Errorf("Threshold(42) should clamp to Threshold(10), got %f", got)
	}
}

func TestDecide(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		score       float64
		sensitivity int
		wantLabel   types.Label
		wantConf    float64
	}{
		{name: "low sensitivity keeps normal", score: 0.6, sensitivity: 1, wantLabel: types.LabelNormal, wantConf: 0.4},
		{name: "high sensitivity flags apnea", score: 0.6, sensitivity: 10, wantLabel: types.LabelApnea, wantConf: 0.6},
		{name: "at threshold is apnea", score: 0.7, sensitivity: 5, wantLabel: types.LabelApnea, wantConf: 0.7},
		{name: "score clamped", score: 3, sensitivity: 5, wantLabel: types.LabelApnea, wantConf: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := classifier.Decide(tt.score, tt.sensitivity)
			if got.Label != tt.wantLabel {
				t.Errorf("label: got %s, want %s", got.Label, tt.wantLabel)
			}
			if math.Abs(got.Confidence-tt.wantConf) > 1e-9 {
				t.Errorf("confidence: got %f, want %f", got.Confidence, tt.wantConf)
			}
		})
	}
}

// Raising sensitivity never turns an apnea decision back into normal.
func TestDecide_SensitivityNeverReducesApnea(t *testing.T) {
	t.Parallel()
	for score := 0.0; score <= 1.0; score += 0.01 {
		apneaSeen := false
		for s := classifier.MinSensitivity; s <= classifier.MaxSensitivity; s++ {
			isApnea := classifier.Decide(score, s).Label == types.LabelApnea
			if apneaSeen && !isApnea {
				t.Fatalf("score %.2f: apnea at lower sensitivity but normal at %d", score, s)
			}
			apneaSeen = apneaSeen || isApnea
		}
	}
}
