package resilience

import (
	"context"

	"github.com/somnolog/somnolog/pkg/provider/classifier"
	"github.com/somnolog/somnolog/pkg/provider/features"
)

// ClassifierFallback implements [classifier.Classifier] with failover across
// several classifiers, each behind its own circuit breaker. A (nil, nil)
// "no reliable result" answer counts as success and is not retried elsewhere.
type ClassifierFallback struct {
	group *FallbackGroup[classifier.Classifier]
}

var _ classifier.Classifier = (*ClassifierFallback)(nil)

// NewClassifierFallback creates a [ClassifierFallback] with primary preferred.
func NewClassifierFallback(primary classifier.Classifier, primaryName string, cfg FallbackConfig) *ClassifierFallback {
	return &ClassifierFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another classifier, tried after earlier ones.
func (f *ClassifierFallback) AddFallback(name string, c classifier.Classifier) {
	f.group.AddFallback(name, c)
}

// Status reports the breaker state of every classifier.
func (f *ClassifierFallback) Status() []EntryStatus {
	return f.group.Status()
}

// Classify implements [classifier.Classifier].
func (f *ClassifierFallback) Classify(ctx context.Context, fv features.Vector, sensitivity int) (*classifier.Result, error) {
	return ExecuteWithResult(f.group, func(c classifier.Classifier) (*classifier.Result, error) {
		return c.Classify(ctx, fv, sensitivity)
	})
}
