package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNotFound is returned by a [Store] when the owner has no saved settings.
var ErrNotFound = errors.New("settings: not found")

// Provider returns the effective settings for an owner.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	Get(ctx context.Context, ownerID string) (UserSettings, error)
}

// Store persists settings per owner.
type Store interface {
	// LoadSettings returns [ErrNotFound] when ownerID has no row.
	LoadSettings(ctx context.Context, ownerID string) (UserSettings, error)
	SaveSettings(ctx context.Context, ownerID string, s UserSettings) error
}

// Static serves the same settings to every owner. Its defaults can be swapped
// at runtime when the configuration reloads.
type Static struct {
	mu       sync.RWMutex
	defaults UserSettings
}

var _ Provider = (*Static)(nil)

// NewStatic returns a Static provider serving defaults.
func NewStatic(defaults UserSettings) *Static {
	return &Static{defaults: defaults}
}

// Get implements [Provider].
func (s *Static) Get(context.Context, string) (UserSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults, nil
}

// SetDefaults replaces the served settings.
func (s *Static) SetDefaults(d UserSettings) {
	s.mu.Lock()
	s.defaults = d
	s.mu.Unlock()
}

// Stored reads settings from a [Store], falling back to a [Static] provider
// when the owner has none or the store fails.
type Stored struct {
	store    Store
	fallback *Static
}

var _ Provider = (*Stored)(nil)

// NewStored returns a provider over store with fallback defaults.
func NewStored(store Store, fallback *Static) *Stored {
	return &Stored{store: store, fallback: fallback}
}

// Get implements [Provider]. It never fails: a store error is logged and the
// defaults are returned.
func (s *Stored) Get(ctx context.Context, ownerID string) (UserSettings, error) {
	us, err := s.store.LoadSettings(ctx, ownerID)
	switch {
	case err == nil:
		return us, nil
	case errors.Is(err, ErrNotFound):
	default:
		slog.Warn("settings: load failed, using defaults", "owner_id", ownerID, "err", err)
	}
	return s.fallback.Get(ctx, ownerID)
}

// Put validates and saves settings for ownerID.
func (s *Stored) Put(ctx context.Context, ownerID string, us UserSettings) error {
	if err := us.Validate(); err != nil {
		return err
	}
	if err := s.store.SaveSettings(ctx, ownerID, us); err != nil {
		return fmt.Errorf("settings: save: %w", err)
	}
	return nil
}

// MemoryStore is a process-local [Store].
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]UserSettings
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]UserSettings)}
}

func (m *MemoryStore) LoadSettings(_ context.Context, ownerID string) (UserSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	us, ok := m.rows[ownerID]
	if !ok {
		return UserSettings{}, ErrNotFound
	}
	return us, nil
}

func (m *MemoryStore) SaveSettings(_ context.Context, ownerID string, us UserSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[ownerID] = us
	return nil
}
