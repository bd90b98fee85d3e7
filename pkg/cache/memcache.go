package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const (
	layerMemcache = "memcache"

	// memcached treats expirations above 30 days as absolute unix timestamps
	memcacheRelativeLimit = 30 * 24 * time.Hour
	memcacheMaxKeyLength  = 250
)

// MemcacheClient is the subset of *memcache.Client the store needs.
type MemcacheClient interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
	Delete(key string) error
}

// MemcacheStore is a Store backed by memcached.
type MemcacheStore struct {
	mc     MemcacheClient
	prefix string
}

// NewMemcacheStore creates a memcached-backed store. Every key is prefixed with prefix.
func NewMemcacheStore(mc MemcacheClient, prefix string) (*MemcacheStore, error) {
	if mc == nil {
		return nil, errors.New("memcache client cannot be nil")
	}
	return &MemcacheStore{mc: mc, prefix: prefix}, nil
}

// NewMemcacheStoreFromServers dials the given memcached servers.
func NewMemcacheStoreFromServers(prefix string, servers ...string) (*MemcacheStore, error) {
	if len(servers) == 0 {
		return nil, errors.New("at least one memcache server is required")
	}
	return NewMemcacheStore(memcache.New(servers...), prefix)
}

// Get returns the entry for key, or ErrCacheMiss when absent or expired.
func (s *MemcacheStore) Get(_ context.Context, key string) (*Entry, error) {
	item, err := s.mc.Get(s.itemKey(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			CacheMisses.WithLabelValues(layerMemcache).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues(layerMemcache, "get").Inc()
		return nil, fmt.Errorf("memcache get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(item.Value, &entry); err != nil {
		CacheErrors.WithLabelValues(layerMemcache, "get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	// Hashed item keys must still match the derived key
	if entry.Key != "" && entry.Key != key {
		CacheMisses.WithLabelValues(layerMemcache).Inc()
		return nil, ErrCacheMiss
	}

	if entry.IsExpired() {
		CacheMisses.WithLabelValues(layerMemcache).Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues(layerMemcache).Inc()
	return &entry, nil
}

// Set stores entry under key with memcached expiry derived from the entry TTL.
func (s *MemcacheStore) Set(_ context.Context, key string, entry *Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	ttl := entry.Remaining()
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues(layerMemcache, "set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	err = s.mc.Set(&memcache.Item{
		Key:        s.itemKey(key),
		Value:      data,
		Expiration: memcacheExpiration(ttl, time.Now()),
	})
	if err != nil {
		CacheErrors.WithLabelValues(layerMemcache, "set").Inc()
		return fmt.Errorf("memcache set: %w", err)
	}

	CacheStoredBytes.WithLabelValues(layerMemcache).Add(float64(len(data)))
	return nil
}

// Delete removes a cache entry.
func (s *MemcacheStore) Delete(_ context.Context, key string) error {
	err := s.mc.Delete(s.itemKey(key))
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		CacheErrors.WithLabelValues(layerMemcache, "delete").Inc()
		return fmt.Errorf("memcache delete: %w", err)
	}
	return nil
}

// itemKey maps a derived key onto memcached's key rules: at most 250 bytes,
// no whitespace or control characters. Keys that don't fit are replaced by
// their SHA-256; the "k:" and "h:" markers keep the two forms disjoint.
func (s *MemcacheStore) itemKey(key string) string {
	raw := s.prefix + "k:" + key
	if len(raw) <= memcacheMaxKeyLength && legalMemcacheKey(raw) {
		return raw
	}
	sum := sha256.Sum256([]byte(key))
	return s.prefix + "h:" + hex.EncodeToString(sum[:])
}

func legalMemcacheKey(key string) bool {
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] == 0x7f {
			return false
		}
	}
	return true
}

// memcacheExpiration converts ttl into memcached seconds, rounding up.
func memcacheExpiration(ttl time.Duration, now time.Time) int32 {
	if ttl > memcacheRelativeLimit {
		return int32(now.Add(ttl).Unix())
	}
	seconds := int32((ttl + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}
