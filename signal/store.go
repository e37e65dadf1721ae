package signal

import (
	"context"
	"sync"
	"time"
)

// Store is a key-value store with per-key expiry
type Store interface {
	// Put stores val under key for ttl
	Put(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// Get returns the value under key, or ok=false if it is absent or expired
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// Taker is implemented by stores that can read and delete a key atomically
type Taker interface {
	Take(ctx context.Context, key string) (val []byte, ok bool, err error)
}

// take reads and clears key, atomically when the store supports it
func take(ctx context.Context, s Store, key string) ([]byte, bool, error) {
	if t, ok := s.(Taker); ok {
		return t.Take(ctx, key)
	}

	val, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	if err := s.Delete(ctx, key); err != nil {
		return nil, false, err
	}
	return val, true, nil
}

type memoryEntry struct {
	val       []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store. Expired keys are hidden on read and
// reclaimed by Cleanup.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Put implements Store
func (m *MemoryStore) Put(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{
		val:       append([]byte(nil), val...),
		expiresAt: m.now().Add(ttl),
	}
	return nil
}

// Get implements Store
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	val, ok := m.lookup(key)
	return val, ok, nil
}

// Delete implements Store
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Take implements Taker
func (m *MemoryStore) Take(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	val, ok := m.lookup(key)
	delete(m.entries, key)
	return val, ok, nil
}

// lookup must be called with mu held
func (m *MemoryStore) lookup(key string) ([]byte, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	return append([]byte(nil), e.val...), true
}

// Cleanup removes expired keys and returns how many were removed
func (m *MemoryStore) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of keys held, including expired ones not yet reclaimed
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
