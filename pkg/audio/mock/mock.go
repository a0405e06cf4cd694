// Package mock provides in-memory mock implementations of the [audio.Source]
// and [audio.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := &mock.Stream{SnapshotResult: audio.Snapshot{Samples: samples, SampleRate: 16000}, SnapshotOK: true}
//	source := &mock.Source{AcquireResult: stream}
//	got, err := source.Acquire(ctx, "bedroom-mic")
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/somnolog/somnolog/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream] and [audio.Recorder].
// Set the exported Result fields before use; inspect the CallCount fields after.
type Stream struct {
	mu sync.Mutex

	// SnapshotResult and SnapshotOK are returned by [Stream.Snapshot].
	SnapshotResult audio.Snapshot
	SnapshotOK     bool

	// ReleaseError is returned by [Stream.Release].
	ReleaseError error

	// RecordingPCM and RecordingDuration are returned by [Stream.Recording].
	RecordingPCM      []byte
	RecordingDuration time.Duration

	// CallCountSnapshot records how many times Snapshot was called.
	CallCountSnapshot int

	// CallCountRelease records how many times Release was called.
	CallCountRelease int
}

var (
	_ audio.Stream   = (*Stream)(nil)
	_ audio.Recorder = (*Stream)(nil)
)

// Snapshot implements [audio.Stream].
func (s *Stream) Snapshot() (audio.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountSnapshot++
	return s.SnapshotResult, s.SnapshotOK
}

// SetSnapshot replaces the snapshot returned by subsequent Snapshot calls.
func (s *Stream) SetSnapshot(snap audio.Snapshot, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SnapshotResult = snap
	s.SnapshotOK = ok
}

// Release implements [audio.Stream]. Returns ReleaseError.
func (s *Stream) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountRelease++
	return s.ReleaseError
}

// Releases returns the number of Release calls so far.
func (s *Stream) Releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountRelease
}

// Recording implements [audio.Recorder].
func (s *Stream) Recording() ([]byte, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.RecordingPCM, s.RecordingDuration
}

// ─── Source ───────────────────────────────────────────────────────────────────

// AcquireCall records the arguments of a single [Source.Acquire] invocation.
type AcquireCall struct {
	// DeviceID is the deviceID argument passed to Acquire.
	DeviceID string
}

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// AcquireResult is the [audio.Stream] returned by Acquire.
	AcquireResult audio.Stream

	// AcquireError is the error returned by Acquire. When set, AcquireResult
	// is ignored.
	AcquireError error

	// AcquireCalls records all Acquire invocations.
	AcquireCalls []AcquireCall
}

var _ audio.Source = (*Source)(nil)

// Acquire implements [audio.Source]. Records the call and returns AcquireResult / AcquireError.
func (s *Source) Acquire(_ context.Context, deviceID string) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AcquireCalls = append(s.AcquireCalls, AcquireCall{DeviceID: deviceID})
	if s.AcquireError != nil {
		return nil, s.AcquireError
	}
	return s.AcquireResult, nil
}

// Calls returns a copy of the recorded Acquire calls.
func (s *Source) Calls() []AcquireCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AcquireCall, len(s.AcquireCalls))
	copy(out, s.AcquireCalls)
	return out
}
