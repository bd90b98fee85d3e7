package cache

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMemoryStore() (*MemoryStore, *fakeClock) {
	clock := &fakeClock{now: time.Now()}
	store := NewMemoryStore()
	store.now = clock.Now
	return store, clock
}

func TestMemoryStore_SetAndGet(t *testing.T) {
	store, _ := newTestMemoryStore()
	ctx := context.Background()

	value := map[string]any{"id": 1.0}
	if err := store.Set(ctx, "k", NewEntry("k", value, time.Minute)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	entry, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got := entry.Value.(map[string]any)["id"]; got != 1.0 {
		t.Errorf("Value[id] = %v, want 1", got)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store, _ := newTestMemoryStore()
	ctx := context.Background()

	value := map[string]any{"name": "Ann", "tags": []any{"a"}}
	if err := store.Set(ctx, "k", NewEntry("k", value, time.Minute)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	value["name"] = "changed after Set"

	entry, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	got := entry.Value.(map[string]any)
	if got["name"] != "Ann" {
		t.Errorf("Value[name] = %v, want Ann", got["name"])
	}
	got["name"] = "changed after Get"
	got["tags"].([]any)[0] = "z"

	again, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	want := map[string]any{"name": "Ann", "tags": []any{"a"}}
	if !reflect.DeepEqual(again.Value, want) {
		t.Errorf("Value = %v, want %v", again.Value, want)
	}
}

func TestMemoryStore_Set_Unencodable(t *testing.T) {
	store, _ := newTestMemoryStore()

	if err := store.Set(context.Background(), "k", NewEntry("k", func() {}, time.Minute)); err == nil {
		t.Error("Set with unencodable value should return error")
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0", store.Len())
	}
}

func TestMemoryStore_Get_CacheMiss(t *testing.T) {
	store, _ := newTestMemoryStore()

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss, got %v", err)
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	store, clock := newTestMemoryStore()
	ctx := context.Background()

	entry := &Entry{Key: "k", Value: "v", StoredAt: clock.Now(), TTL: time.Minute}
	if err := store.Set(ctx, "k", entry); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	clock.Advance(59 * time.Second)
	if _, err := store.Get(ctx, "k"); err != nil {
		t.Fatalf("Get before expiry failed: %v", err)
	}

	clock.Advance(time.Second)
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss after expiry, got %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after lazy eviction", store.Len())
	}
}

func TestMemoryStore_Set_Expired(t *testing.T) {
	store, clock := newTestMemoryStore()

	entry := &Entry{Key: "k", StoredAt: clock.Now().Add(-time.Hour), TTL: time.Minute}
	if err := store.Set(context.Background(), "k", entry); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("expired entry was stored")
	}
}

func TestMemoryStore_Set_NilEntry(t *testing.T) {
	store, _ := newTestMemoryStore()

	if err := store.Set(context.Background(), "k", nil); err == nil {
		t.Error("Set with nil entry should return error")
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	store, clock := newTestMemoryStore()
	ctx := context.Background()

	_ = store.Set(ctx, "k", &Entry{Key: "k", StoredAt: clock.Now(), TTL: time.Minute})
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss after Delete, got %v", err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete of missing key failed: %v", err)
	}
}

func TestMemoryStore_Evict(t *testing.T) {
	store, clock := newTestMemoryStore()
	ctx := context.Background()

	_ = store.Set(ctx, "short", &Entry{Key: "short", StoredAt: clock.Now(), TTL: time.Second})
	_ = store.Set(ctx, "long", &Entry{Key: "long", StoredAt: clock.Now(), TTL: time.Hour})

	clock.Advance(2 * time.Second)
	if removed := store.Evict(); removed != 1 {
		t.Errorf("Evict() = %d, want 1", removed)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestMemoryStore_Janitor(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = store.Set(ctx, "k", &Entry{Key: "k", StoredAt: time.Now(), TTL: 20 * time.Millisecond})
	store.StartJanitor(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for store.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("janitor did not evict expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemoryStore_Concurrent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Set(ctx, "k", NewEntry("k", "v", time.Minute))
			_, _ = store.Get(ctx, "k")
		}()
	}
	wg.Wait()

	if _, err := store.Get(ctx, "k"); err != nil {
		t.Errorf("Get after concurrent writes failed: %v", err)
	}
}
