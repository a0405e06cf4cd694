// Package detect turns an acquired audio stream into a stream of
// [types.DetectionEvent] values.
//
// [Loop] is the real-audio source: once started it ticks at a fixed interval,
// takes the latest snapshot from the stream, extracts features and asks the
// classifier for a label. [Synthetic] produces structurally identical events
// from a seeded random generator; it stands in when no microphone is
// available so the rest of the pipeline behaves the same either way.
//
// Both satisfy [EventSource]. Every Start begins a new generation; an event
// computed by an older generation is dropped, so nothing reaches the sink
// once Stop has returned.
package detect

import (
	"context"
	"errors"
	"time"

	"github.com/somnolog/somnolog/pkg/types"
)

// State is the lifecycle state of an [EventSource].
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
)

// ErrAlreadyRunning is returned by Start when the source is not idle.
var ErrAlreadyRunning = errors.New("detect: already running")

// Sink receives emitted events. It is called from the source's goroutine, one
// event at a time, and must not call Stop on the source that invoked it.
type Sink func(types.DetectionEvent)

// Request describes one detection run.
type Request struct {
	// OwnerID identifies the user the session belongs to.
	OwnerID string

	// DeviceID selects the capture device. Ignored by [Synthetic].
	DeviceID string

	// Sensitivity is the user setting read once at start.
	Sensitivity int

	// Sink receives every event of this run.
	Sink Sink

	// OnLost, when set, is called once if the source stops producing audio
	// mid-run. The run emits nothing afterwards; the caller still owns Stop
	// and must not call it from inside OnLost.
	OnLost func(error)
}

// EventSource produces detection events until stopped.
//
// Implementations must be safe for concurrent use.
type EventSource interface {
	// Start begins emitting events to req.Sink. ctx bounds the start-up only
	// (device acquisition); the run lasts until Stop.
	Start(ctx context.Context, req Request) error

	// Stop ends the run. After Stop returns, the sink is never called again
	// for that run. Stopping an idle source is a no-op.
	Stop()

	// State reports whether the source is running.
	State() State
}

// Recorder is implemented by sources that retain the raw audio of their last
// run for upload.
type Recorder interface {
	// TakeRecording returns the retained PCM and its duration, and forgets
	// it. ok is false when nothing was retained.
	TakeRecording() (pcm []byte, d time.Duration, ok bool)
}
