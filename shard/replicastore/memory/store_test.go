package memory

import (
	"testing"
	"time"
)

func TestPutGetDelete(t *testing.T) {
	s := New(Config{ShardCount: 4, GarbageCollectionInterval: time.Hour})
	defer s.Stop()

	if err := s.Put("shard:0", "peer-a", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	e, ok, err := s.Get("shard:0", "peer-a")
	if err != nil || !ok {
		t.Fatalf("Get: entry not found, err=%v", err)
	}
	if string(e.Value) != "hello" {
		t.Fatalf("Get value = %q, want %q", e.Value, "hello")
	}

	if err := s.Delete("shard:0", "peer-a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get("shard:0", "peer-a"); ok {
		t.Fatal("entry should be gone after Delete")
	}
}

func TestListReturnsAllEntriesInBucket(t *testing.T) {
	s := New(Config{ShardCount: 2, GarbageCollectionInterval: time.Hour})
	defer s.Stop()

	_ = s.Put("shard:1", "peer-a", []byte("a"))
	_ = s.Put("shard:1", "peer-b", []byte("b"))
	_ = s.Put("shard:2", "peer-c", []byte("c"))

	entries, err := s.List("shard:1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List(shard:1) returned %d entries, want 2", len(entries))
	}
}

func TestGCRemovesOldEntries(t *testing.T) {
	s := New(Config{ShardCount: 1, GarbageCollectionInterval: time.Hour}).(*store)
	defer s.Stop()

	_ = s.Put("shard:0", "peer-old", []byte("x"))

	sh := s.shards[0]
	sh.Lock()
	e := sh.buckets["shard:0"]["peer-old"]
	e.StoredAt -= 10000
	sh.buckets["shard:0"]["peer-old"] = e
	sh.Unlock()

	removed, err := s.GC(3600)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if removed != 1 {
		t.Fatalf("GC removed %d entries, want 1", removed)
	}

	if _, ok, _ := s.Get("shard:0", "peer-old"); ok {
		t.Fatal("entry should be gone after GC")
	}
}
