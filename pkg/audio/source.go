// Package audio defines the audio input contract for somnolog.
//
// The two primary abstractions are:
//
//   - [Source] acquires a capture device for an owner and returns a [Stream].
//   - [Stream] exposes the latest fixed-length [Snapshot] of that device until
//     it is released.
//
// Implementations live in sub-packages (audio/wsmic for browser microphones,
// audio/pcmfile for offline replay). Acquisition failures are reported with
// [ErrPermissionDenied] or [ErrDeviceUnavailable] so callers can tell the user
// which one happened.
package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is returned when the user refused microphone access.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrDeviceUnavailable is returned when no capture device could be reached.
	ErrDeviceUnavailable = errors.New("audio: capture device unavailable")
)

// FailureKind classifies an acquisition error for logs and metrics.
// It returns "permission_denied", "device_unavailable" or "other".
func FailureKind(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrDeviceUnavailable):
		return "device_unavailable"
	default:
		return "other"
	}
}

// Stream is an acquired capture device.
//
// Implementations must be safe for concurrent use.
type Stream interface {
	// Snapshot returns the latest audio window. ok is false until enough
	// audio has arrived to fill one window.
	Snapshot() (snap Snapshot, ok bool)

	// Release stops capture and frees the device. It is safe to call more
	// than once; subsequent calls are no-ops and return nil.
	Release() error
}

// Recorder is implemented by streams that retain the raw capture for upload
// after the session ends.
type Recorder interface {
	// Recording returns the retained mono int16 PCM and the audio duration
	// it covers. The returned slice is a copy.
	Recording() (pcm []byte, d time.Duration)
}

// Source is the entry point for an audio capture backend.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Acquire obtains the capture device identified by deviceID. ctx bounds
	// the acquisition attempt only; the stream stays open until Release.
	Acquire(ctx context.Context, deviceID string) (Stream, error)
}
