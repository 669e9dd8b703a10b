package embedcache

import (
	"path/filepath"
	"testing"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	cache, err := Open(filepath.Join(t.TempDir(), "cache.db"), 0, true)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestKeyIsStableAndDimensionSensitive(t *testing.T) {
	a := Key("hello world", "text-embedding-v4", 1024)
	b := Key("  hello world  ", "text-embedding-v4", 1024)
	if a != b {
		t.Fatalf("Key is not whitespace-normalized: %s != %s", a, b)
	}
	if c := Key("hello world", "text-embedding-v4", 768); c == a {
		t.Fatalf("Key did not change with dimension")
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	cache := openTestCache(t)
	key := Key("hello", "model", 3)
	if err := cache.Put(key, "model", []float32{0.1, 0.2, 0.3}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	entry, ok := cache.Get(key, 3)
	if !ok {
		t.Fatalf("Get missed after Put")
	}
	if len(entry.Vector) != 3 || entry.Vector[1] != 0.2 {
		t.Fatalf("Get returned wrong vector: %+v", entry.Vector)
	}
}

func TestGetRejectsDimensionMismatch(t *testing.T) {
	cache := openTestCache(t)
	key := Key("hello", "model", 3)
	if err := cache.Put(key, "model", []float32{0.1, 0.2, 0.3}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, ok := cache.Get(key, 4); ok {
		t.Fatalf("Get returned an entry for the wrong dimension")
	}
}

func TestGetMissOnUnknownKey(t *testing.T) {
	cache := openTestCache(t)
	if _, ok := cache.Get("nonexistent", 3); ok {
		t.Fatalf("Get hit on a key that was never stored")
	}
}

func TestCloneIsolatesCallerMutation(t *testing.T) {
	cache := openTestCache(t)
	key := Key("hello", "model", 2)
	if err := cache.Put(key, "model", []float32{1, 2}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	first, _ := cache.Get(key, 2)
	first.Vector[0] = 99
	second, _ := cache.Get(key, 2)
	if second.Vector[0] == 99 {
		t.Fatalf("Get did not return an isolated copy")
	}
}

func TestDisabledCacheIsNoOp(t *testing.T) {
	cache, err := Open("", 0, false)
	if err != nil {
		t.Fatalf("Open(enabled=false) failed: %v", err)
	}
	if err := cache.Put("k", "m", []float32{1}); err != nil {
		t.Fatalf("Put on disabled cache returned an error: %v", err)
	}
	if _, ok := cache.Get("k", 1); ok {
		t.Fatalf("Get hit on a disabled cache")
	}
}

func TestEvictRemovesLeastRecentlyUsed(t *testing.T) {
	cache := openTestCache(t)
	for _, text := range []string{"a", "b", "c"} {
		key := Key(text, "model", 1)
		if err := cache.Put(key, "model", []float32{1}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if n := cache.Size(); n != 3 {
		t.Fatalf("Size() = %d, want 3", n)
	}
	if removed := cache.Evict(2); removed != 2 {
		t.Fatalf("Evict(2) removed %d", removed)
	}
	if n := cache.Size(); n != 1 {
		t.Fatalf("Size() after Evict = %d, want 1", n)
	}
}
