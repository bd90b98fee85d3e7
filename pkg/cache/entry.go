package cache

import (
	"time"
)

// Entry is a cached upstream response.
type Entry struct {
	// Key is the derived cache key the entry is stored under.
	Key string `json:"key"`

	// Value is the decoded response body (JSON tree: maps, slices, strings, float64, bool, nil).
	Value any `json:"value"`

	// StoredAt is when the entry was written.
	StoredAt time.Time `json:"stored_at"`

	// TTL is how long the entry stays valid after StoredAt.
	TTL time.Duration `json:"ttl"`
}

// NewEntry creates an entry stored now.
func NewEntry(key string, value any, ttl time.Duration) *Entry {
	return &Entry{
		Key:      key,
		Value:    value,
		StoredAt: time.Now(),
		TTL:      ttl,
	}
}

// ExpiresAt returns the instant the entry becomes stale.
func (e *Entry) ExpiresAt() time.Time {
	return e.StoredAt.Add(e.TTL)
}

// IsExpired returns true if the cache entry has expired.
func (e *Entry) IsExpired() bool {
	return e.expiredAt(time.Now())
}

func (e *Entry) expiredAt(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// Remaining returns the time until expiration.
// Returns 0 if already expired.
func (e *Entry) Remaining() time.Duration {
	ttl := time.Until(e.ExpiresAt())
	if ttl < 0 {
		return 0
	}
	return ttl
}
