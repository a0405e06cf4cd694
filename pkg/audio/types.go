package audio

import "time"

// AudioFrame is a chunk of little-endian int16 PCM as it arrives from a
// capture device.
type AudioFrame struct {
	// Data is interleaved int16 PCM.
	Data []byte

	// SampleRate in Hz (48000 for browser Opus, 16000 for analysis).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Snapshot is a fixed-length window of the most recent mono audio, normalised
// to float samples in [-1, 1]. It is the unit a feature extractor consumes.
type Snapshot struct {
	// Samples holds the window, oldest first.
	Samples []float64

	// SampleRate of Samples in Hz.
	SampleRate int

	// CapturedAt is the wall-clock time of the newest sample. Zero means the
	// producer does not timestamp its audio.
	CapturedAt time.Time
}

// Duration reports the time span covered by the snapshot.
func (s Snapshot) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(s.Samples)) * time.Second / time.Duration(s.SampleRate)
}
