// Package features defines the Extractor interface that turns an audio
// snapshot into a fixed-size numeric feature vector.
//
// Extraction is deterministic: identical snapshots must yield identical
// vectors, and an extractor keeps no state between calls. This makes the
// classifier stage reproducible and lets the vectors be persisted and
// compared later (see the pgvector-backed event store).
//
// Implementations must be safe for concurrent use and must never panic on
// malformed input; they return an error instead.
package features

import (
	"errors"
	"math"

	"github.com/somnolog/somnolog/pkg/audio"
)

// ErrMalformedSnapshot is returned for empty snapshots, a non-positive sample
// rate, or samples that are not finite.
var ErrMalformedSnapshot = errors.New("features: malformed snapshot")

// Vector is a fixed-size feature vector. Its length equals the producing
// extractor's Dimensions.
type Vector []float64

// Float32 returns a float32 copy, the representation used for vector storage.
func (v Vector) Float32() []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// Extractor computes a feature vector from an audio snapshot.
type Extractor interface {
	// Extract returns the feature vector for snap. It returns an error wrapping
	// [ErrMalformedSnapshot] when snap cannot be analysed.
	Extract(snap audio.Snapshot) (Vector, error)

	// Dimensions reports the fixed length of every vector Extract returns.
	Dimensions() int
}

// Validate checks the common preconditions every extractor shares.
func Validate(snap audio.Snapshot) error {
	if len(snap.Samples) == 0 || snap.SampleRate <= 0 {
		return ErrMalformedSnapshot
	}
	for _, s := range snap.Samples {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return ErrMalformedSnapshot
		}
	}
	return nil
}
