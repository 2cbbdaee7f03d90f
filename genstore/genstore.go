// Package genstore holds the policy generation the flow cache frames its
// entries with. A generation only ever moves forward: going back would make
// entries written under an old generation valid again.
package genstore

import "context"

// GenStore abstracts where generations live. Use LocalGenStore for a single
// process, RedisGenStore when several processes share one flow cache.
type GenStore interface {
	// Snapshot returns the current generation of key.
	Snapshot(ctx context.Context, key string) (uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, key string) (uint64, error)
	Close(context.Context) error
}
