package content

import (
	"os"
	"path/filepath"
	"testing"
)

func TestShardIDFromFilename(t *testing.T) {
	cases := []struct {
		name    string
		wantID  uint32
		wantOK  bool
	}{
		{"shard-0.bin", 0, true},
		{"shard-12.safetensors", 12, true},
		{"shard-abc.bin", 0, false},
		{"other.bin", 0, false},
	}
	for _, c := range cases {
		id, ok := shardIDFromFilename(c.name)
		if ok != c.wantOK || (ok && id != c.wantID) {
			t.Errorf("shardIDFromFilename(%q) = (%d,%v), want (%d,%v)", c.name, id, ok, c.wantID, c.wantOK)
		}
	}
}

func TestScanRegistersShardFilesAndPlainFiles(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "shard-0.bin"), []byte("hello world"))
	mustWrite(t, filepath.Join(dir, "shard-1.bin"), []byte("second shard contents"))
	mustWrite(t, filepath.Join(dir, "readme.txt"), []byte("not a shard"))

	r := NewRegistry(dir, 4)
	if err := r.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if len(r.ListFiles()) != 3 {
		t.Fatalf("ListFiles = %d entries, want 3", len(r.ListFiles()))
	}

	m, ok := r.ShardMetadata(0)
	if !ok {
		t.Fatal("shard 0 metadata should be registered")
	}

	piece, err := r.ReadPiece(m.InfoHash, 0)
	if err != nil {
		t.Fatalf("ReadPiece: %v", err)
	}
	if !m.VerifyPiece(0, piece) {
		t.Fatal("piece read from disk should verify against its recorded hash")
	}

	present := r.ShardsPresent(3)
	if !present[0] || !present[1] || present[2] {
		t.Fatalf("ShardsPresent = %v, want {0:true,1:true,2:false}", present)
	}
}

func mustWrite(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
