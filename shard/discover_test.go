package shard

import (
	"context"
	"testing"
	"time"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/dht"
)

func TestPublishThenDiscoverPopulatesTable(t *testing.T) {
	net := dht.NewNetwork()
	pub := dht.NewMemory(net, "peer-pub")
	query := dht.NewMemory(net, "peer-query")

	a := New("peer-pub", []string{"/ip4/127.0.0.1/tcp/4001"}, 0, 4, 32, "llama-demo", "demo", Capabilities{
		CPUCores: 8, MemoryTotal: 100, MemoryAvailable: 100, Reputation: 0.5, ShardLoaded: true, MaxConcurrent: 4,
	})

	publisher := NewPublisher(pub)
	publisher.SetInterval(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	close(ready) // simulate an immediate RoutingUpdated
	go publisher.Run(ctx, a, ready)

	table := NewTable("demo", 4)
	defer table.Stop()
	mutated := make(chan struct{}, 1)

	discoverer := NewDiscoverer(query, table, 4)
	discoverer.SetInterval(20 * time.Millisecond)
	discoverer.OnMutate(func() {
		select {
		case mutated <- struct{}{}:
		default:
		}
	})
	go discoverer.Run(ctx)

	select {
	case <-mutated:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for discovery to observe the published announcement")
	}

	best, ok := table.Best(0)
	if !ok || best.PeerID != "peer-pub" {
		t.Fatalf("Best(0) = %+v, ok=%v; want peer-pub", best, ok)
	}
}

func TestDiscovererRejectsStaleAnnouncement(t *testing.T) {
	net := dht.NewNetwork()
	pub := dht.NewMemory(net, "peer-pub")
	query := dht.NewMemory(net, "peer-query")

	stale := New("peer-pub", nil, 1, 4, 32, "llama-demo", "demo", Capabilities{MemoryTotal: 1, MemoryAvailable: 1})
	stale.AnnouncedAt -= TTL + 1
	encoded, err := Encode(stale)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := pub.PutRecord(context.Background(), Key("demo", 1), encoded); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}

	table := NewTable("demo", 4)
	defer table.Stop()

	discoverer := NewDiscoverer(query, table, 4)
	discoverer.sweep(context.Background())

	if len(table.Replicas(1)) != 0 {
		t.Fatal("stale announcement must not count toward completeness")
	}
}
