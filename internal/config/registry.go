package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/somnolog/somnolog/pkg/audio"
	"github.com/somnolog/somnolog/pkg/provider/classifier"
	"github.com/somnolog/somnolog/pkg/provider/features"
)

// ErrProviderNotRegistered is returned by the Create methods when no factory
// is registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to constructors for each pipeline stage. It is
// safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	audio      map[string]func(ProviderEntry) (audio.Source, error)
	features   map[string]func(ProviderEntry) (features.Extractor, error)
	classifier map[string]func(ProviderEntry) (classifier.Classifier, error)
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		audio:      make(map[string]func(ProviderEntry) (audio.Source, error)),
		features:   make(map[string]func(ProviderEntry) (features.Extractor, error)),
		classifier: make(map[string]func(ProviderEntry) (classifier.Classifier, error)),
	}
}

// RegisterAudio registers an audio source factory under name, replacing any
// earlier registration.
func (r *Registry) RegisterAudio(name string, factory func(ProviderEntry) (audio.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// RegisterFeatures registers a feature extractor factory under name.
func (r *Registry) RegisterFeatures(name string, factory func(ProviderEntry) (features.Extractor, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.features[name] = factory
}

// RegisterClassifier registers a classifier factory under name.
func (r *Registry) RegisterClassifier(name string, factory func(ProviderEntry) (classifier.Classifier, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classifier[name] = factory
}

// CreateAudio builds the audio source registered under entry.Name.
func (r *Registry) CreateAudio(entry ProviderEntry) (audio.Source, error) {
	return create(r, r.audio, "audio", entry)
}

// CreateFeatures builds the extractor registered under entry.Name.
func (r *Registry) CreateFeatures(entry ProviderEntry) (features.Extractor, error) {
	return create(r, r.features, "features", entry)
}

// CreateClassifier builds the classifier registered under entry.Name.
func (r *Registry) CreateClassifier(entry ProviderEntry) (classifier.Classifier, error) {
	return create(r, r.classifier, "classifier", entry)
}

// Names returns the sorted registered names for kind ("audio", "features" or
// "classifier").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "audio":
		names = keys(r.audio)
	case "features":
		names = keys(r.features)
	case "classifier":
		names = keys(r.classifier)
	}
	slices.Sort(names)
	return names
}

func create[T any](r *Registry, m map[string]func(ProviderEntry) (T, error), kind string, entry ProviderEntry) (T, error) {
	r.mu.RLock()
	factory, ok := m[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return factory(entry)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
