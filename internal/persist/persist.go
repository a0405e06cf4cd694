// Package persist hands detection sessions to durable storage.
//
// Storage is a best-effort collaborator: the live session never waits on it
// and never rolls back because of it. [Writer] queues operations on a bounded
// channel served by one goroutine, so enqueueing from the detection path
// never blocks; failures surface as user notices instead of errors.
//
// Backends live in sub-packages: postgres (pgx with a pgvector column for
// event features) and sqlite (single-user local mode).
package persist

import (
	"context"
	"errors"
	"time"

	"github.com/somnolog/somnolog/pkg/types"
)

// ErrUnknownSession is returned when an operation refers to a session the
// backend never created.
var ErrUnknownSession = errors.New("persist: unknown session")

// Sink receives session data.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	// CreateSession records the start of a session and returns the backend's
	// ID for it.
	CreateSession(ctx context.Context, ownerID string, start time.Time) (string, error)

	// AppendEvent stores one event together with the feature vector the
	// classifier saw (nil for synthetic events).
	AppendEvent(ctx context.Context, sessionID string, ev types.EventSummary, features []float64) error

	// FinalizeSession stores the end time, statistics and summary.
	FinalizeSession(ctx context.Context, sessionID string, fin types.FinalizedSession) error

	// UploadAudio stores a retained recording (mono PCM16) and returns its ID.
	UploadAudio(ctx context.Context, ownerID string, pcm []byte, d time.Duration) (string, error)
}

// History lists past sessions.
type History interface {
	// ListSessions returns the owner's most recent finalized sessions, newest
	// first. Events are not loaded.
	ListSessions(ctx context.Context, ownerID string, limit int) ([]types.FinalizedSession, error)
}

// Backend is a storage implementation with everything the service needs.
type Backend interface {
	Sink
	History
	Ping(ctx context.Context) error
	Close() error
}
