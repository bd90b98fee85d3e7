package cache

import (
	"context"
	"errors"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Store is a key-value store with TTL-based expiry.
// Keys are produced by a Deriver. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry for key, or ErrCacheMiss when absent or expired.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set stores entry under key. The entry expires after entry.TTL.
	Set(ctx context.Context, key string, entry *Entry) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

func validateEntry(entry *Entry) error {
	if entry == nil {
		return errors.New("cache entry cannot be nil")
	}
	return nil
}
