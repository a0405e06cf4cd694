// Package mock provides an in-memory [persist.Backend] for tests.
//
// Every call is recorded. Set the *Err fields to make the matching operation
// fail; set Block to hold every call until it is closed.
package mock

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/somnolog/somnolog/internal/persist"
	"github.com/somnolog/somnolog/pkg/types"
)

var _ persist.Backend = (*Backend)(nil)

// AppendCall records one AppendEvent call.
type AppendCall struct {
	SessionID string
	Event     types.EventSummary
	Features  []float64
}

// UploadCall records one UploadAudio call.
type UploadCall struct {
	OwnerID  string
	Bytes    int
	Duration time.Duration
}

// Backend is a mock implementation of [persist.Backend].
type Backend struct {
	mu sync.Mutex

	CreateErr   error
	AppendErr   error
	FinalizeErr error
	UploadErr   error
	PingErr     error

	// Block, if non-nil, is received from before every Sink call returns.
	Block chan struct{}

	Created   []string // owner IDs in call order
	Appends   []AppendCall
	Finalized []types.FinalizedSession
	Uploads   []UploadCall
	Closed    bool

	next int
}

func (b *Backend) wait(ctx context.Context) error {
	b.mu.Lock()
	block := b.Block
	b.mu.Unlock()
	if block == nil {
		return nil
	}
	select {
	case <-block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backend) CreateSession(ctx context.Context, ownerID string, _ time.Time) (string, error) {
	if err := b.wait(ctx); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Created = append(b.Created, ownerID)
	if b.CreateErr != nil {
		return "", b.CreateErr
	}
	b.next++
	return fmt.Sprintf("remote-%d", b.next), nil
}

func (b *Backend) AppendEvent(ctx context.Context, sessionID string, ev types.EventSummary, features []float64) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Appends = append(b.Appends, AppendCall{SessionID: sessionID, Event: ev, Features: features})
	return b.AppendErr
}

func (b *Backend) FinalizeSession(ctx context.Context, _ string, fin types.FinalizedSession) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Finalized = append(b.Finalized, fin)
	return b.FinalizeErr
}

func (b *Backend) UploadAudio(ctx context.Context, ownerID string, pcm []byte, d time.Duration) (string, error) {
	if err := b.wait(ctx); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Uploads = append(b.Uploads, UploadCall{OwnerID: ownerID, Bytes: len(pcm), Duration: d})
	if b.UploadErr != nil {
		return "", b.UploadErr
	}
	return fmt.Sprintf("rec-%d", len(b.Uploads)), nil
}

// ListSessions returns finalized sessions for ownerID, newest first.
func (b *Backend) ListSessions(_ context.Context, ownerID string, limit int) ([]types.FinalizedSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.FinalizedSession
	for _, fin := range slices.Backward(b.Finalized) {
		if fin.OwnerID != ownerID {
			continue
		}
		fin.Events = nil
		out = append(out, fin)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (b *Backend) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.PingErr
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Closed = true
	return nil
}

// Counts returns the number of create, append, finalize and upload calls.
func (b *Backend) Counts() (create, appendN, finalize, upload int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Created), len(b.Appends), len(b.Finalized), len(b.Uploads)
}

// FinalizedSessions returns a copy of the finalized records.
func (b *Backend) FinalizedSessions() []types.FinalizedSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.Finalized)
}

// AppendCalls returns a copy of the AppendEvent calls.
func (b *Backend) AppendCalls() []AppendCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.Appends)
}
