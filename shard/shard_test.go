package shard

import (
	"math/rand"
	"testing"
)

func TestKeySymmetry(t *testing.T) {
	clusters := []string{"demo", "prod-us-east", "a", "cluster with spaces"}
	for _, cluster := range clusters {
		for id := ID(0); id < 16; id++ {
			publisher := Key(cluster, id)
			querier := Key(cluster, id)
			if string(publisher) != string(querier) {
				t.Fatalf("key mismatch for (%q, %d): %q != %q", cluster, id, publisher, querier)
			}
		}
	}
}

func TestKeyDistinguishesClusterAndID(t *testing.T) {
	if string(Key("a", 0)) == string(Key("b", 0)) {
		t.Fatal("keys for different clusters must differ")
	}
	if string(Key("a", 0)) == string(Key("a", 1)) {
		t.Fatal("keys for different shard ids must differ")
	}
}

func TestPartitionCoversAllLayersNoOverlap(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 200; trial++ {
		totalShards := uint32(1 + rng.Intn(64))
		totalLayers := totalShards + uint32(rng.Intn(512))

		covered := make([]bool, totalLayers)
		for id := ID(0); uint32(id) < totalShards; id++ {
			start, end := Partition(totalLayers, totalShards, id)
			if start >= end {
				t.Fatalf("shard %d has empty range [%d,%d) for (%d,%d)", id, start, end, totalLayers, totalShards)
			}
			for l := start; l < end; l++ {
				if covered[l] {
					t.Fatalf("layer %d covered twice for (%d,%d)", l, totalLayers, totalShards)
				}
				covered[l] = true
			}
		}
		for l, ok := range covered {
			if !ok {
				t.Fatalf("layer %d never covered for (%d,%d)", l, totalLayers, totalShards)
			}
		}
	}
}

func TestPartitionExactShare(t *testing.T) {
	start, end := Partition(32, 4, 2)
	if start != 16 || end != 24 {
		t.Fatalf("Partition(32,4,2) = [%d,%d), want [16,24)", start, end)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	a := New("peer-1", []string{"/ip4/127.0.0.1/tcp/4001"}, 1, 4, 32, "llama-demo", "demo", Capabilities{
		CPUCores: 8, MemoryTotal: 1 << 30, MemoryAvailable: 1 << 29, Reputation: 0.5, MaxConcurrent: 4,
	})

	b, err := Encode(a)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.PeerID != a.PeerID || decoded.ShardID != a.ShardID || decoded.LayerStart != a.LayerStart {
		t.Fatalf("round trip mismatch: %+v != %+v", decoded, a)
	}
}
