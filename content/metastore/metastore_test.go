package metastore

import (
	"path/filepath"
	"testing"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/content"
)

func TestPutGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	m := &content.Metadata{
		InfoHash:  content.ComputeInfoHash("shard-0.bin", 128),
		Filename:  "shard-0.bin",
		TotalSize: 128,
		PieceSize: 64,
		Pieces:    [][32]byte{{1}, {2}},
	}

	if err := s.Put(m); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(m.InfoHash)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v, err=%v", ok, err)
	}
	if got.Filename != m.Filename || got.TotalSize != m.TotalSize {
		t.Fatalf("Get = %+v, want %+v", got, m)
	}
}

func TestAllReturnsEveryRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		m := &content.Metadata{
			InfoHash:  content.ComputeInfoHash("f", int64(i)),
			Filename:  "f",
			TotalSize: int64(i),
		}
		if err := s.Put(m); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	all, err := s.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("All returned %d records, want 3", len(all))
	}
}
