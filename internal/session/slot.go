package session

import (
	"context"
	"sync"
	"time"

	"github.com/somnolog/somnolog/pkg/types"
)

// DefaultSlotKey is the well-known key the active session lives under.
const DefaultSlotKey = "somnolog:current_session"

// Record is the in-progress state of the active session.
type Record struct {
	ID        string               `json:"id"`
	OwnerID   string               `json:"owner_id"`
	StartTime time.Time            `json:"start_time"`
	Events    []types.EventSummary `json:"events"`
	Stats     types.SessionStats   `json:"stats"`
}

func (r Record) clone() Record {
	r.Events = append([]types.EventSummary(nil), r.Events...)
	return r
}

// Slot holds at most one active session record.
//
// Implementations must be safe for concurrent use.
type Slot interface {
	// Claim stores rec if the slot is empty and returns [ErrSessionActive]
	// otherwise.
	Claim(ctx context.Context, rec Record) error

	// Load returns the stored record. ok is false when the slot is empty.
	Load(ctx context.Context) (rec Record, ok bool, err error)

	// Save overwrites the stored record. It returns [ErrNoActiveSession]
	// when the slot is empty or holds a different session.
	Save(ctx context.Context, rec Record) error

	// Clear empties the slot if it holds session id. Clearing an empty slot
	// or a different session is a no-op.
	Clear(ctx context.Context, id string) error

	// Ping checks the backing storage is reachable.
	Ping(ctx context.Context) error
}

// MemorySlot is a process-local [Slot]. It is the default when no shared
// storage is configured.
type MemorySlot struct {
	mu  sync.Mutex
	rec *Record
}

var _ Slot = (*MemorySlot)(nil)

// NewMemorySlot returns an empty in-memory slot.
func NewMemorySlot() *MemorySlot { return &MemorySlot{} }

func (m *MemorySlot) Claim(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec != nil {
		return ErrSessionActive
	}
	c := rec.clone()
	m.rec = &c
	return nil
}

func (m *MemorySlot) Load(_ context.Context) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return Record{}, false, nil
	}
	return m.rec.clone(), true, nil
}

func (m *MemorySlot) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil || m.rec.ID != rec.ID {
		return ErrNoActiveSession
	}
	c := rec.clone()
	m.rec = &c
	return nil
}

func (m *MemorySlot) Clear(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec != nil && m.rec.ID == id {
		m.rec = nil
	}
	return nil
}

func (m *MemorySlot) Ping(context.Context) error { return nil }
