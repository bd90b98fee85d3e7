package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// fakeMemcache is an in-process MemcacheClient.
type fakeMemcache struct {
	mu    sync.Mutex
	items map[string]*memcache.Item
	err   error
}

func newFakeMemcache() *fakeMemcache {
	return &fakeMemcache{items: make(map[string]*memcache.Item)}
}

func (f *fakeMemcache) Get(key string) (*memcache.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	item, ok := f.items[key]
	if !ok {
		return nil, memcache.ErrCacheMiss
	}
	return item, nil
}

func (f *fakeMemcache) Set(item *memcache.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if len(item.Key) > memcacheMaxKeyLength || !legalMemcacheKey(item.Key) {
		return memcache.ErrMalformedKey
	}
	f.items[item.Key] = item
	return nil
}

func (f *fakeMemcache) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[key]; !ok {
		return memcache.ErrCacheMiss
	}
	delete(f.items, key)
	return nil
}

func TestNewMemcacheStore_NilClient(t *testing.T) {
	if _, err := NewMemcacheStore(nil, ""); err == nil {
		t.Error("NewMemcacheStore should fail with nil client")
	}
	if _, err := NewMemcacheStoreFromServers(""); err == nil {
		t.Error("NewMemcacheStoreFromServers should fail without servers")
	}
}

func TestMemcacheStore_SetAndGet(t *testing.T) {
	mc := newFakeMemcache()
	store, _ := NewMemcacheStore(mc, "gw:")
	ctx := context.Background()

	key := DeriveKey("users/search", Params{"name": "Ann"}, 5*time.Minute)
	if err := store.Set(ctx, key, NewEntry(key, []any{"Ann"}, 5*time.Minute)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	item, ok := mc.items["gw:k:"+key]
	if !ok {
		t.Fatalf("expected item key %q", "gw:k:"+key)
	}
	if item.Expiration != 300 {
		t.Errorf("Expiration = %d, want 300", item.Expiration)
	}

	entry, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got := entry.Value.([]any)[0]; got != "Ann" {
		t.Errorf("Value[0] = %v, want Ann", got)
	}
}

func TestMemcacheStore_LongAndIllegalKeys(t *testing.T) {
	mc := newFakeMemcache()
	store, _ := NewMemcacheStore(mc, "")
	ctx := context.Background()

	keys := []string{
		DeriveKey("search", Params{"q": "two words"}, time.Minute),
		DeriveKey("search", Params{"q": strings.Repeat("x", 400)}, time.Minute),
	}

	for _, key := range keys {
		if err := store.Set(ctx, key, NewEntry(key, "v", time.Minute)); err != nil {
			t.Fatalf("Set(%q) failed: %v", key, err)
		}
		if _, err := store.Get(ctx, key); err != nil {
			t.Errorf("Get(%q) failed: %v", key, err)
		}
	}

	for itemKey := range mc.items {
		if !strings.HasPrefix(itemKey, "h:") {
			t.Errorf("item key %q should be hashed", itemKey)
		}
	}
}

func TestMemcacheStore_Get_KeyMismatch(t *testing.T) {
	mc := newFakeMemcache()
	store, _ := NewMemcacheStore(mc, "")
	ctx := context.Background()

	key := "a.b.60"
	if err := store.Set(ctx, key, NewEntry("other", "v", time.Minute)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss on key mismatch, got %v", err)
	}
}

func TestMemcacheStore_Get_CacheMiss(t *testing.T) {
	store, _ := NewMemcacheStore(newFakeMemcache(), "")

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss, got %v", err)
	}
}

func TestMemcacheStore_Errors(t *testing.T) {
	mc := newFakeMemcache()
	mc.err = errors.New("connection refused")
	store, _ := NewMemcacheStore(mc, "")
	ctx := context.Background()

	if _, err := store.Get(ctx, "k"); err == nil || errors.Is(err, ErrCacheMiss) {
		t.Errorf("Get: expected backend error, got %v", err)
	}
	if err := store.Set(ctx, "k", NewEntry("k", "v", time.Minute)); err == nil {
		t.Error("Set: expected backend error")
	}
}

func TestMemcacheStore_Delete(t *testing.T) {
	mc := newFakeMemcache()
	store, _ := NewMemcacheStore(mc, "")
	ctx := context.Background()

	_ = store.Set(ctx, "k", NewEntry("k", "v", time.Minute))
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete of missing key failed: %v", err)
	}
}

func TestMemcacheExpiration(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name string
		ttl  time.Duration
		want int32
	}{
		{"sub-second rounds up", 200 * time.Millisecond, 1},
		{"fractional rounds up", 1500 * time.Millisecond, 2},
		{"whole seconds", 600 * time.Second, 600},
		{"30 days stays relative", 30 * 24 * time.Hour, 30 * 24 * 3600},
		{"beyond 30 days absolute", 31 * 24 * time.Hour, int32(now.Add(31 * 24 * time.Hour).Unix())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := memcacheExpiration(tt.ttl, now); got != tt.want {
				t.Errorf("memcacheExpiration(%v) = %d, want %d", tt.ttl, got, tt.want)
			}
		})
	}
}
