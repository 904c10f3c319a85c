package state

import (
	"context"
	"sync"

	"github.com/BaSui01/stepflow/types"
)

// MemoryStore is the default in-process Store for a single workflow run.
// It is safe for concurrent use; the runner serializes all writes anyway,
// but snapshots may be taken while a write is in flight.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]any
	strict bool
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithStrictOverwrite rejects writes to keys that already hold a value.
// Off by default: last-write-wins is the documented contract, strict
// mode exists to surface accidental output-key collisions.
func WithStrictOverwrite() MemoryOption {
	return func(s *MemoryStore) {
		s.strict = true
	}
}

// NewMemoryStore creates a MemoryStore seeded with the initial mapping.
// The initial map is copied; the caller keeps ownership of its argument.
func NewMemoryStore(initial map[string]any, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		values: make(map[string]any, len(initial)),
	}
	for k, v := range initial {
		s.values[k] = v
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get implements Reader.
func (s *MemoryStore) Get(_ context.Context, key string, def any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[key]; ok {
		return v
	}
	return def
}

// Has implements Reader.
func (s *MemoryStore) Has(_ context.Context, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[key]
	return ok
}

// Keys implements Reader.
func (s *MemoryStore) Keys(_ context.Context) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.strict {
		if _, exists := s.values[key]; exists {
			return types.NewError(types.ErrKeyOverwrite, "key already written: "+key)
		}
	}
	s.values[key] = value
	return nil
}

// Snapshot implements Store. Values are copied shallowly; workers must
// treat snapshot values as read-only.
func (s *MemoryStore) Snapshot(_ context.Context) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(Snapshot, len(s.values))
	for k, v := range s.values {
		snap[k] = v
	}
	return snap
}
