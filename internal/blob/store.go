// Package blob persists opaque documents, such as order receipts, under
// caller-chosen keys. Writes are idempotent: putting the same key twice
// keeps the first body.
package blob

import "context"

// Store writes immutable blobs keyed by name.
type Store interface {
	// Put stores data under key. A second put for the same key is a no-op.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get returns the stored blob, or ok=false when the key is absent.
	Get(ctx context.Context, key string) (data []byte, contentType string, ok bool, err error)
}
