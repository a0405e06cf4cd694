// Package mock provides a test double for [features.Extractor].
package mock

import (
	"sync"

	"github.com/somnolog/somnolog/pkg/audio"
	"github.com/somnolog/somnolog/pkg/provider/features"
)

var _ features.Extractor = (*Extractor)(nil)

// Extractor records every snapshot it sees and returns VectorResult or Err.
type Extractor struct {
	mu sync.Mutex

	// VectorResult is returned by Extract.
	VectorResult features.Vector

	// Err, if non-nil, is returned by Extract instead of VectorResult.
	Err error

	// Dims is returned by Dimensions. Defaults to len(VectorResult).
	Dims int

	// ExtractCalls records every snapshot passed to Extract.
	ExtractCalls []audio.Snapshot
}

// Extract implements [features.Extractor].
func (e *Extractor) Extract(snap audio.Snapshot) (features.Vector, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ExtractCalls = append(e.ExtractCalls, snap)
	if e.Err != nil {
		return nil, e.Err
	}
	return e.VectorResult, nil
}

// Dimensions implements [features.Extractor].
func (e *Extractor) Dimensions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Dims > 0 {
		return e.Dims
	}
	return len(e.VectorResult)
}

// CallCount returns the number of Extract calls so far.
func (e *Extractor) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ExtractCalls)
}
