// Package cache implements the content-addressed audio cache: store is
// durable-before-return and write-once; fetch for a previously stored
// fingerprint always returns the exact bytes.
package cache

import "context"

// Entry describes a stored blob's location and format tag.
type Entry struct {
	Ref    string
	Format string
	Size   int64
}

// Cache is the contract the result consumer and the session façade's
// FetchAudio path depend on. Implementations may be filesystem-backed,
// object-store-backed, or embedded; the only requirement is durability
// before Store returns and idempotent reads.
type Cache interface {
	// Store persists bytes under fingerprint and returns a reference usable
	// with Fetch. Calling Store twice for the same fingerprint with the
	// same bytes is safe but wasteful; the cache does not deduplicate the
	// write itself, since the singleflight lock upstream is what's
	// supposed to prevent concurrent duplicate stores.
	Store(ctx context.Context, fingerprint string, bytes []byte, format string) (ref string, err error)
	Fetch(ctx context.Context, fingerprint string) ([]byte, error)
	// VacuumIfNeeded inspects blob bookkeeping and reclaims space if the
	// observed bloat ratio exceeds threshold. Implementations that have no
	// notion of bloat (e.g. an object store with its own lifecycle rules)
	// may no-op.
	VacuumIfNeeded(ctx context.Context, bloatThreshold float64) error
}

// ErrNotFound is returned by Fetch when no entry exists for the fingerprint.
var ErrNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "cache: fingerprint not found" }

func IsNotFound(err error) bool {
	_, ok := err.(*notFoundError)
	return ok
}
