// Package spectral implements a deterministic [features.Extractor] built from
// time-domain statistics and Goertzel band energies.
//
// The vector layout is fixed:
//
//	0  rms              root-mean-square amplitude
//	1  peak             maximum absolute amplitude
//	2  zcr              zero crossings per sample
//	3  centroid         band-energy centroid, normalised to Nyquist
//	4-7 band energies   relative power at each of Bands
package spectral

import (
	"fmt"
	"math"

	"github.com/somnolog/somnolog/pkg/audio"
	"github.com/somnolog/somnolog/pkg/provider/features"
)

// Bands are the probe frequencies in Hz. Breathing sounds concentrate in the
// low hundreds; snoring adds energy near 100 Hz, airflow hiss near 2 kHz.
var Bands = [4]float64{100, 300, 800, 2000}

const dims = 4 + len(Bands)

var _ features.Extractor = (*Extractor)(nil)

// Extractor is stateless and safe for concurrent use.
type Extractor struct{}

// New returns a spectral extractor.
func New() *Extractor { return &Extractor{} }

// Dimensions implements [features.Extractor].
func (*Extractor) Dimensions() int { return dims }

// Extract implements [features.Extractor].
func (*Extractor) Extract(snap audio.Snapshot) (features.Vector, error) {
	if err := features.Validate(snap); err != nil {
		return nil, fmt.Errorf("spectral: %w", err)
	}

	x := snap.Samples
	n := float64(len(x))

	var sumSq, peak float64
	var crossings int
	for i, s := range x {
		sumSq += s * s
		if a := math.Abs(s); a > peak {
			peak = a
		}
		if i > 0 && (s >= 0) != (x[i-1] >= 0) {
			crossings++
		}
	}

	v := make(features.Vector, dims)
	v[0] = math.Sqrt(sumSq / n)
	v[1] = peak
	v[2] = float64(crossings) / n

	nyquist := float64(snap.SampleRate) / 2
	var total, weighted float64
	powers := make([]float64, len(Bands))
	for i, f := range Bands {
		if f >= nyquist {
			continue
		}
		powers[i] = goertzel(x, f, snap.SampleRate)
		total += powers[i]
		weighted += powers[i] * f
	}
	if total > 0 {
		v[3] = weighted / total / nyquist
		for i, p := range powers {
			v[4+i] = p / total
		}
	}
	return v, nil
}

// goertzel returns the normalised power of x at frequency f.
func goertzel(x []float64, f float64, rate int) float64 {
	w := 2 * math.Pi * f / float64(rate)
	coeff := 2 * math.Cos(w)
	var s1, s2 float64
	for _, s := range x {
		s0 := s + coeff*s1 - s2
		s2, s1 = s1, s0
	}
	p := s1*s1 + s2*s2 - coeff*s1*s2
	n := float64(len(x))
	return p / (n * n)
}
