package audio

import (
	"sync"
	"time"
)

// Window keeps the most recent mono samples of a capture stream and,
// optionally, a bounded copy of the raw PCM for later upload.
//
// Frames of any format are converted to mono at the window's sample rate on
// Write. Window is safe for concurrent use: one writer goroutine feeds frames
// while the detection loop reads snapshots.
type Window struct {
	mu     sync.Mutex
	conv   FormatConverter
	ring   []float64
	next   int
	filled int
	last   time.Time
	now    func() time.Time

	rec    []byte
	maxRec int
}

// NewWindow creates a window holding length worth of audio at sampleRate.
// When retain is positive, up to retain worth of mono int16 PCM is kept and
// exposed through [Window.Recording]; older audio beyond that is not kept.
func NewWindow(sampleRate int, length, retain time.Duration) *Window {
	size := int(int64(sampleRate) * int64(length) / int64(time.Second))
	if size < 1 {
		size = 1
	}
	w := &Window{
		conv: FormatConverter{Target: Format{SampleRate: sampleRate, Channels: 1}},
		ring: make([]float64, size),
		now:  time.Now,
	}
	if retain > 0 {
		w.maxRec = int(int64(sampleRate)*int64(retain)/int64(time.Second)) * 2
	}
	return w
}

// Write appends a captured frame. Frames with malformed PCM are dropped.
func (w *Window) Write(frame AudioFrame) {
	w.mu.Lock()
	defer w.mu.Unlock()

	mono := w.conv.Convert(frame)
	if len(mono.Data) == 0 {
		return
	}
	for _, s := range PCM16ToFloat(mono.Data) {
		w.ring[w.next] = s
		w.next = (w.next + 1) % len(w.ring)
		if w.filled < len(w.ring) {
			w.filled++
		}
	}
	w.last = w.now()

	if room := w.maxRec - len(w.rec); room > 0 {
		chunk := mono.Data
		if len(chunk) > room {
			chunk = chunk[:room]
		}
		w.rec = append(w.rec, chunk...)
	}
}

// Snapshot returns a copy of the window, oldest sample first. ok is false
// until the window has been filled once.
func (w *Window) Snapshot() (Snapshot, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.filled < len(w.ring) {
		return Snapshot{}, false
	}
	out := make([]float64, len(w.ring))
	n := copy(out, w.ring[w.next:])
	copy(out[n:], w.ring[:w.next])
	return Snapshot{
		Samples:    out,
		SampleRate: w.conv.Target.SampleRate,
		CapturedAt: w.last,
	}, true
}

// Recording implements [Recorder].
func (w *Window) Recording() ([]byte, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]byte, len(w.rec))
	copy(out, w.rec)
	samples := len(out) / 2
	return out, time.Duration(samples) * time.Second / time.Duration(w.conv.Target.SampleRate)
}
