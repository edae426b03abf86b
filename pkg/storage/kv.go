// Package storage defines the durable key-value contract the engine's
// memory plugins use, plus an in-memory implementation suitable for tests
// and single-node deployments. All durable pipeline state lives behind this
// interface so multiple engine instances can share one backing store.
package storage

import "context"

// KV is a durable key-value store shared across requests. Implementations
// are long-lived container resources and must be internally synchronized.
type KV interface {
	// Put stores value under key. Last writer wins.
	Put(ctx context.Context, key string, value any) error

	// Get returns the value stored under key.
	Get(ctx context.Context, key string) (any, bool, error)

	// Has reports whether key exists.
	Has(ctx context.Context, key string) (bool, error)

	// Delete removes key if present.
	Delete(ctx context.Context, key string) error

	// Close releases the store.
	Close() error
}
