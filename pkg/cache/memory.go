package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const layerMemory = "memory"

// MemoryStore is an in-process Store.
// Entries are kept JSON encoded, so every Get returns an independent copy.
// Expired entries are dropped lazily on Get and periodically by the janitor
// started with StartJanitor.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryItem
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

type memoryItem struct {
	data      []byte
	expiresAt time.Time
}

func (i memoryItem) expiredAt(now time.Time) bool {
	return !now.Before(i.expiresAt)
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryItem),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// Get returns the entry for key, or ErrCacheMiss when absent or expired.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	now := s.now()

	s.mu.RLock()
	item, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		CacheMisses.WithLabelValues(layerMemory).Inc()
		return nil, ErrCacheMiss
	}

	if item.expiredAt(now) {
		s.mu.Lock()
		// Re-check, a fresh entry may have replaced it
		if current, ok := s.entries[key]; ok && current.expiredAt(now) {
			delete(s.entries, key)
		}
		s.mu.Unlock()

		CacheMisses.WithLabelValues(layerMemory).Inc()
		return nil, ErrCacheMiss
	}

	var entry Entry
	if err := json.Unmarshal(item.data, &entry); err != nil {
		CacheErrors.WithLabelValues(layerMemory, "get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	CacheHits.WithLabelValues(layerMemory).Inc()
	return &entry, nil
}

// Set stores entry under key, replacing any previous entry.
func (s *MemoryStore) Set(_ context.Context, key string, entry *Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	if entry.expiredAt(s.now()) {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues(layerMemory, "set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	s.mu.Lock()
	s.entries[key] = memoryItem{data: data, expiresAt: entry.ExpiresAt()}
	s.mu.Unlock()

	CacheStoredBytes.WithLabelValues(layerMemory).Add(float64(len(data)))
	return nil
}

// Delete removes key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones not yet evicted included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Evict removes every expired entry and returns how many were removed.
func (s *MemoryStore) Evict() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, item := range s.entries {
		if item.expiredAt(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// StartJanitor evicts expired entries every interval until ctx is done or Close is called.
func (s *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.Evict()
			}
		}
	}()
}

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}
