package energy_test

import (
	"context"
	"math"
	"testing"

	"github.com/somnolog/somnolog/pkg/provider/classifier/energy"
	"github.com/somnolog/somnolog/pkg/provider/features"
	"github.com/somnolog/somnolog/pkg/types"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	c := energy.New(energy.WithReferenceRMS(0.1))

	tests := []struct {
		name        string
		fv          features.Vector
		sensitivity int
		wantNil     bool
		wantLabel   types.Label
	}{
		{name: "silence is apnea", fv: features.Vector{0}, sensitivity: 5, wantLabel: types.LabelApnea},
		{name: "loud breathing is normal", fv: features.Vector{0.2}, sensitivity: 10, wantLabel: types.LabelNormal},
		{name: "borderline flips with sensitivity", fv: features.Vector{0.04}, sensitivity: 10, wantLabel: types.LabelApnea},
		{name: "borderline normal at low sensitivity", fv: features.Vector{0.04}, sensitivity: 1, wantLabel: types.LabelNormal},
		{name: "empty vector", fv: nil, wantNil: true},
		{name: "nan", fv: features.Vector{math.NaN()}, wantNil: true},
		{name: "negative rms", fv: features.Vector{-1}, wantNil: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, err := c.Classify(context.Background(), tt.fv, tt.sensitivity)
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if tt.wantNil {
				if r != nil {
					t.Errorf("expected nil result, got %+v", *r)
				}
				return
			}
			if r == nil {
				t.Fatal("expected a result, got nil")
			}
			if r.Label != tt.wantLabel {
				t.Errorf("label: got %s, want %s", r.Label, tt.wantLabel)
			}
			if r.Confidence < 0 || r.Confidence > 1 {
				t.Errorf("confidence out of range: %f", r.Confidence)
			}
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	t.Parallel()
	c := energy.New()
	fv := features.Vector{0.011, 0.3, 0.02}
	a, _ := c.Classify(context.Background(), fv, 6)
	b, _ := c.Classify(context.Background(), fv, 6)
	if *a != *b {
		t.Errorf("results differ: %+v vs %+v", *a, *b)
	}
}
