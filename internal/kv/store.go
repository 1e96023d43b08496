package kv

import "context"

// Store abstracts a key-value store holding flat field records with
// conditional-write semantics. All correctness under concurrent consumers
// relies on these operations being atomic in the backing store.
type Store interface {
	// PutIfAbsent writes the record only when the key does not exist yet.
	// It reports false when the key was already present.
	PutIfAbsent(ctx context.Context, key string, fields map[string]string) (bool, error)

	// Get returns the record and whether the key exists.
	Get(ctx context.Context, key string) (map[string]string, bool, error)

	// ConditionalUpdate applies changes only when the stored value of field
	// equals expected at apply time. It reports false, not an error, when the
	// precondition does not hold or the key is missing.
	ConditionalUpdate(ctx context.Context, key string, changes map[string]string, field, expected string) (bool, error)

	// ScanAll returns every record whose key starts with prefix, keyed by the
	// full key. Iteration order is store-defined.
	ScanAll(ctx context.Context, prefix string) (map[string]map[string]string, error)
}
