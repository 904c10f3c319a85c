package state

import "context"

// Reader is the read-only view of a session's state handed to workers.
// Get never fails: a missing key yields the caller-supplied default, so
// steps can run in unpredictable orders inside Parallel or Conditional
// branches without guarding every read.
type Reader interface {
	// Get returns the value stored under key, or def when the key is
	// absent (or the backing store is unreachable).
	Get(ctx context.Context, key string, def any) any
	// Has reports whether the key is present.
	Has(ctx context.Context, key string) bool
	// Keys returns all present keys in unspecified order.
	Keys(ctx context.Context) []string
}

// Store is the mutable key-value scratchpad scoped to one workflow run.
// Writes have total-overwrite semantics: last writer wins, no merge.
// A store in strict mode rejects overwrites instead.
type Store interface {
	Reader
	// Set stores value under key. In strict mode, setting an existing
	// key returns a KEY_OVERWRITE error.
	Set(ctx context.Context, key string, value any) error
	// Snapshot returns an immutable copy of the current state. Used to
	// hand a stable view to workers while siblings may be writing.
	Snapshot(ctx context.Context) Snapshot
}

// Snapshot is a point-in-time, immutable copy of a store's contents.
// It implements Reader so workers can consume either a live store or a
// frozen snapshot through the same interface.
type Snapshot map[string]any

// Get implements Reader.
func (s Snapshot) Get(_ context.Context, key string, def any) any {
	if v, ok := s[key]; ok {
		return v
	}
	return def
}

// Has implements Reader.
func (s Snapshot) Has(_ context.Context, key string) bool {
	_, ok := s[key]
	return ok
}

// Keys implements Reader.
func (s Snapshot) Keys(_ context.Context) []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	return keys
}
