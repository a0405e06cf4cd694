// Package simulated provides the random stand-in classifier.
//
// It ignores the audio entirely and draws an apnea score uniformly from
// [0, 1). It exists for demos and pipeline tests where no model is available;
// it must not be mistaken for a detection algorithm. Seed it for reproducible
// runs.
package simulated

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/somnolog/somnolog/pkg/provider/classifier"
	"github.com/somnolog/somnolog/pkg/provider/features"
)

var _ classifier.Classifier = (*Classifier)(nil)

// Option configures a [Classifier].
type Option func(*Classifier)

// WithSeed makes the score sequence deterministic.
func WithSeed(seed uint64) Option {
	return func(c *Classifier) {
		c.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// Classifier is safe for concurrent use.
type Classifier struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a randomly seeded Classifier.
func New(opts ...Option) *Classifier {
	c := &Classifier{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify implements [classifier.Classifier]. An empty vector yields no
// result.
func (c *Classifier) Classify(ctx context.Context, fv features.Vector, sensitivity int) (*classifier.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(fv) == 0 {
		return nil, nil
	}
	c.mu.Lock()
	score := c.rng.Float64()
	c.mu.Unlock()
	return classifier.Decide(score, sensitivity), nil
}
