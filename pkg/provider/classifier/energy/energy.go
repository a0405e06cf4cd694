// Package energy provides a deterministic heuristic classifier over the
// spectral feature layout.
//
// A breathing pause shows up as a drop in loudness: the apnea score is how far
// the window's RMS sits below a reference breathing level. The heuristic is
// intentionally simple; it gives the pipeline a reproducible, model-free
// classifier and a local fallback when a remote model is down.
package energy

import (
	"context"
	"math"

	"github.com/somnolog/somnolog/pkg/provider/classifier"
	"github.com/somnolog/somnolog/pkg/provider/features"
)

// DefaultReferenceRMS is the RMS of quiet nasal breathing at bedside
// microphone distance, measured on normalised samples.
const DefaultReferenceRMS = 0.02

var _ classifier.Classifier = (*Classifier)(nil)

// Option configures a [Classifier].
type Option func(*Classifier)

// WithReferenceRMS overrides [DefaultReferenceRMS]. Non-positive values are ignored.
func WithReferenceRMS(rms float64) Option {
	return func(c *Classifier) {
		if rms > 0 {
			c.reference = rms
		}
	}
}

// Classifier is stateless and safe for concurrent use.
type Classifier struct {
	reference float64
}

// New returns an energy classifier.
func New(opts ...Option) *Classifier {
	c := &Classifier{reference: DefaultReferenceRMS}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify implements [classifier.Classifier]. fv must follow the spectral
// layout (RMS first); an empty or non-finite RMS yields no result.
func (c *Classifier) Classify(_ context.Context, fv features.Vector, sensitivity int) (*classifier.Result, error) {
	if len(fv) == 0 {
		return nil, nil
	}
	rms := fv[0]
	if math.IsNaN(rms) || math.IsInf(rms, 0) || rms < 0 {
		return nil, nil
	}
	score := 1 - math.Min(1, rms/c.reference)
	return classifier.Decide(score, sensitivity), nil
}
