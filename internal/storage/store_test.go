package storage

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
)

// TestMemoryStore tests the versioned in-memory store
func TestMemoryStore(t *testing.T) {
	t.Run("new store is empty", func(t *testing.T) {
		store := NewMemoryStore()

		if keys := store.Keys(); len(keys) != 0 {
			t.Errorf("Expected empty store, got %d keys", len(keys))
		}

		_, err := store.Get("nonexistent")
		if err != ErrKeyNotFound {
			t.Errorf("Expected ErrKeyNotFound, got %v", err)
		}
		if v := store.Version("nonexistent"); v != 0 {
			t.Errorf("Expected version 0 for missing key, got %d", v)
		}
	})

	t.Run("apply and get", func(t *testing.T) {
		store := NewMemoryStore()

		if !store.Apply("key1", Record{Value: []byte("value1"), Version: 1, Timestamp: 4}) {
			t.Fatal("Expected first apply to change the store")
		}

		rec, err := store.Get("key1")
		if err != nil {
			t.Fatalf("Failed to get value: %v", err)
		}
		if !bytes.Equal(rec.Value, []byte("value1")) {
			t.Errorf("Expected 'value1', got %s", string(rec.Value))
		}
		if rec.Version != 1 || rec.Timestamp != 4 {
			t.Errorf("Expected version 1 at ts 4, got version %d at ts %d", rec.Version, rec.Timestamp)
		}
	})

	t.Run("stale versions are ignored", func(t *testing.T) {
		store := NewMemoryStore()
		store.Apply("key1", Record{Value: []byte("v2"), Version: 2})

		if store.Apply("key1", Record{Value: []byte("v1"), Version: 1}) {
			t.Error("Older version should not apply")
		}
		if store.Apply("key1", Record{Value: []byte("again"), Version: 2}) {
			t.Error("Same version should not apply")
		}

		rec, _ := store.Get("key1")
		if string(rec.Value) != "v2" {
			t.Errorf("Expected 'v2', got %s", string(rec.Value))
		}
	})

	t.Run("data isolation", func(t *testing.T) {
		store := NewMemoryStore()

		original := []byte("original")
		store.Apply("key1", Record{Value: original, Version: 1})
		original[0] = 'X'

		rec, _ := store.Get("key1")
		if string(rec.Value) != "original" {
			t.Error("Store should keep its own copy of applied values")
		}

		rec.Value[0] = 'Y'
		again, _ := store.Get("key1")
		if string(again.Value) != "original" {
			t.Error("Get should return a copy")
		}

		snap := store.Snapshot()
		snap["key1"].Value[0] = 'Z'
		again, _ = store.Get("key1")
		if string(again.Value) != "original" {
			t.Error("Snapshot should return copies")
		}
	})

	t.Run("keys are sorted and stats add up", func(t *testing.T) {
		store := NewMemoryStore()
		store.Apply("b", Record{Value: []byte("12"), Version: 1})
		store.Apply("a", Record{Value: []byte("123"), Version: 1})
		store.Apply("c", Record{Value: nil, Version: 1})

		keys := store.Keys()
		if fmt.Sprint(keys) != "[a b c]" {
			t.Errorf("Expected [a b c], got %v", keys)
		}

		stats := store.Stats()
		if stats.Keys != 3 || stats.Bytes != 5 {
			t.Errorf("Expected 3 keys and 5 bytes, got %+v", stats)
		}
	})
}

// TestMemoryStoreConcurrency checks that concurrent writers converge on the
// highest version.
func TestMemoryStoreConcurrency(t *testing.T) {
	store := NewMemoryStore()

	numGoroutines := 50
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for v := 1; v <= 100; v++ {
				store.Apply("shared", Record{Value: []byte(fmt.Sprintf("%d-%d", id, v)), Version: uint64(v)})
				_, _ = store.Get("shared")
			}
		}(i)
	}
	wg.Wait()

	if v := store.Version("shared"); v != 100 {
		t.Errorf("Expected version 100, got %d", v)
	}
}

func TestNodeStores(t *testing.T) {
	stores := NewNodeStores()

	a := stores.For(1)
	if stores.For(1) != a {
		t.Fatal("For should return the same store for the same node")
	}
	a.Apply("k", Record{Value: []byte("v"), Version: 1})

	if _, err := stores.For(2).Get("k"); err != ErrKeyNotFound {
		t.Errorf("Node stores should be independent, got %v", err)
	}

	stats := stores.Stats()
	if len(stats) != 2 || stats[1].Keys != 1 || stats[2].Keys != 0 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestApplySameVersionLaterCommit(t *testing.T) {
	store := NewMemoryStore()
	store.Apply("k", Record{Value: []byte("a"), Version: 1, Timestamp: 5})

	if !store.Apply("k", Record{Value: []byte("b"), Version: 1, Timestamp: 9}) {
		t.Fatal("A later commit of the same version should replace the stored record")
	}
	if store.Apply("k", Record{Value: []byte("a"), Version: 1, Timestamp: 5}) {
		t.Error("An earlier commit of the same version should be ignored")
	}
	rec, _ := store.Get("k")
	if string(rec.Value) != "b" || rec.Timestamp != 9 {
		t.Errorf("Expected b at ts 9, got %q at ts %d", rec.Value, rec.Timestamp)
	}
}

func TestNodeStoresLatest(t *testing.T) {
	stores := NewNodeStores()
	if _, ok := stores.Latest("k"); ok {
		t.Fatal("Latest should report absent keys")
	}

	stores.For(1).Apply("k", Record{Value: []byte("old"), Version: 1, Timestamp: 3})
	stores.For(2).Apply("k", Record{Value: []byte("tie"), Version: 2, Timestamp: 4})
	stores.For(3).Apply("k", Record{Value: []byte("new"), Version: 2, Timestamp: 8})

	rec, ok := stores.Latest("k")
	if !ok || string(rec.Value) != "new" {
		t.Errorf("Expected the v2 commit at ts 8, got %+v", rec)
	}
}

func TestDiverged(t *testing.T) {
	primary := NewMemoryStore()
	replica := NewMemoryStore()

	primary.Apply("same", Record{Value: []byte("1"), Version: 1, Timestamp: 2})
	replica.Apply("same", Record{Value: []byte("1"), Version: 1, Timestamp: 2})
	primary.Apply("absent", Record{Value: []byte("x"), Version: 1, Timestamp: 3})
	primary.Apply("rewritten", Record{Value: []byte("b"), Version: 1, Timestamp: 7})
	replica.Apply("rewritten", Record{Value: []byte("a"), Version: 1, Timestamp: 4})
	primary.Apply("ahead", Record{Value: []byte("old"), Version: 1, Timestamp: 1})
	replica.Apply("ahead", Record{Value: []byte("new"), Version: 2, Timestamp: 6})

	diff := Diverged(primary, replica)
	if len(diff) != 2 {
		t.Fatalf("Expected 2 diverged records, got %d: %v", len(diff), diff)
	}
	for _, key := range []string{"absent", "rewritten"} {
		if _, ok := diff[key]; !ok {
			t.Errorf("Expected %q to be diverged", key)
		}
	}
}

func TestDigest(t *testing.T) {
	t.Run("missing finds new and outdated keys", func(t *testing.T) {
		primary := NewMemoryStore()
		replica := NewMemoryStore()

		primary.Apply("same", Record{Value: []byte("1"), Version: 1})
		replica.Apply("same", Record{Value: []byte("1"), Version: 1})
		primary.Apply("outdated", Record{Value: []byte("new"), Version: 3})
		replica.Apply("outdated", Record{Value: []byte("old"), Version: 2})
		primary.Apply("absent", Record{Value: []byte("x"), Version: 1})

		missing := Missing(primary, Digest(replica))
		if len(missing) != 2 {
			t.Fatalf("Expected 2 missing records, got %d: %v", len(missing), missing)
		}
		if _, ok := missing["same"]; ok {
			t.Error("Up-to-date key should not be resent")
		}
	})

	t.Run("same version from another commit is missing", func(t *testing.T) {
		primary := NewMemoryStore()
		replica := NewMemoryStore()
		primary.Apply("k", Record{Value: []byte("b"), Version: 1, Timestamp: 7})
		replica.Apply("k", Record{Value: []byte("a"), Version: 1, Timestamp: 4})

		if applied := CopyMissing(primary, replica); applied != 1 {
			t.Fatalf("Expected 1 record applied, got %d", applied)
		}
		rec, _ := replica.Get("k")
		if string(rec.Value) != "b" {
			t.Errorf("Expected replica to converge on b, got %q", rec.Value)
		}
	})

	t.Run("copy missing converges", func(t *testing.T) {
		primary := NewMemoryStore()
		replica := NewMemoryStore()
		for i := 0; i < 200; i++ {
			primary.Apply(fmt.Sprintf("key-%d", i), Record{Value: []byte("v"), Version: uint64(i%3 + 1)})
		}
		replica.Apply("key-0", Record{Value: []byte("v"), Version: 1})

		applied := CopyMissing(primary, replica)
		if applied != 199 {
			t.Errorf("Expected 199 records applied, got %d", applied)
		}
		if replica.Stats().Keys != 200 {
			t.Errorf("Expected replica to hold 200 keys, got %d", replica.Stats().Keys)
		}
	})

	t.Run("empty store digest", func(t *testing.T) {
		d := Digest(NewMemoryStore())
		if d.TestString("anything@1") {
			t.Error("Empty digest should not contain entries")
		}
	})
}
