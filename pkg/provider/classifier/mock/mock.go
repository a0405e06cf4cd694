// Package mock provides a test double for [classifier.Classifier].
//
// Results are returned in order from Results; once exhausted, the last entry
// repeats. A nil entry models "no reliable result".
//
//	c := &mock.Classifier{Results: []*classifier.Result{{Label: types.LabelApnea, Confidence: 0.9}}}
package mock

import (
	"context"
	"sync"

	"github.com/somnolog/somnolog/pkg/provider/classifier"
	"github.com/somnolog/somnolog/pkg/provider/features"
)

var _ classifier.Classifier = (*Classifier)(nil)

// ClassifyCall records a single invocation of Classify.
type ClassifyCall struct {
	Features    features.Vector
	Sensitivity int
}

// Classifier is a mock implementation of [classifier.Classifier].
type Classifier struct {
	mu sync.Mutex

	// Results are returned in call order; the last one repeats.
	Results []*classifier.Result

	// Err, if non-nil, is returned instead of a result.
	Err error

	// Delay, if non-nil, is received from before returning, letting tests
	// hold a classification in flight. Context cancellation aborts the wait.
	Delay chan struct{}

	// Calls records every call to Classify in order.
	Calls []ClassifyCall
}

// Classify implements [classifier.Classifier].
func (c *Classifier) Classify(ctx context.Context, fv features.Vector, sensitivity int) (*classifier.Result, error) {
	c.mu.Lock()
	c.Calls = append(c.Calls, ClassifyCall{Features: fv, Sensitivity: sensitivity})
	n := len(c.Calls)
	delay := c.Delay
	err := c.Err
	var res *classifier.Result
	if len(c.Results) > 0 {
		res = c.Results[min(n, len(c.Results))-1]
	}
	c.mu.Unlock()

	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	out := *res
	return &out, nil
}

// CallCount returns the number of Classify calls so far.
func (c *Classifier) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}

// Sensitivities returns the sensitivity of every call in order.
func (c *Classifier) Sensitivities() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.Calls))
	for i, call := range c.Calls {
		out[i] = call.Sensitivity
	}
	return out
}
