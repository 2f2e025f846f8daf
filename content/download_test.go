package content

import (
	"bytes"
	"context"
	"testing"
)

func TestDownloadSucceedsAfterCorruptedPieceFromOneSeeder(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, 2*64*1024)
	m, err := BuildMetadata("shard-2.bin", int64(len(data)), 64*1024, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("BuildMetadata: %v", err)
	}

	calls := map[string]int{}
	fetch := func(_ context.Context, seeder string, h InfoHash, index int) ([]byte, error) {
		calls[seeder]++
		start, end := m.PieceBounds(index)
		piece := append([]byte(nil), data[start:end]...)
		if seeder == "seeder-bad" && index == 1 {
			piece[0] ^= 0xFF // inject a bit-flip into the second piece
		}
		return piece, nil
	}

	d := NewDownloader(fetch)
	assembled, err := d.Download(context.Background(), m, []string{"seeder-bad", "seeder-good"})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(assembled, data) {
		t.Fatal("assembled file must equal the source bytes")
	}
}

func TestDownloadFailsWhenAllSeedersCorrupt(t *testing.T) {
	data := bytes.Repeat([]byte{0x01}, 64*1024)
	m, err := BuildMetadata("shard-3.bin", int64(len(data)), 64*1024, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("BuildMetadata: %v", err)
	}

	fetch := func(context.Context, string, InfoHash, int) ([]byte, error) {
		corrupted := append([]byte(nil), data...)
		corrupted[0] ^= 0xFF
		return corrupted, nil
	}

	d := NewDownloader(fetch)
	if _, err := d.Download(context.Background(), m, []string{"a", "b", "c"}); err == nil {
		t.Fatal("Download should fail when every seeder returns corrupted data")
	}
}

func TestDownloaderMarksRepeatedlyFailingSeederSuspect(t *testing.T) {
	d := NewDownloader(nil)
	for i := 0; i < MaxSeederFailures; i++ {
		d.recordFailure("flaky")
	}
	if !d.suspectSeeders()["flaky"] {
		t.Fatal("seeder should be suspect after MaxSeederFailures failures")
	}

	ordered := orderBySuspicion([]string{"flaky", "reliable"}, d.suspectSeeders())
	if ordered[0] != "reliable" {
		t.Fatalf("orderBySuspicion = %v, want reliable first", ordered)
	}
}
