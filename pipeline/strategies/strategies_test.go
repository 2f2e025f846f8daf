package strategies_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/errors"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pipeline"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pipeline/strategies"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/protocol"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/shard"
)

type fakeCluster struct {
	mu      sync.Mutex
	clients map[string]*protocol.Client
}

func newFakeCluster() *fakeCluster { return &fakeCluster{clients: make(map[string]*protocol.Client)} }

func (c *fakeCluster) addPeer(peerID string, loadShard protocol.Handler) {
	serverConn, clientConn := net.Pipe()
	d := protocol.NewDispatcher()
	d.Register(protocol.ExecuteTask, func(ctx context.Context, req *protocol.Request) (map[string]interface{}, error) {
		return map[string]interface{}{"text": "out", "tokens_generated": float64(1)}, nil
	})
	d.Register(protocol.LoadShard, loadShard)
	go d.Serve(context.Background(), serverConn)

	c.mu.Lock()
	c.clients[peerID] = protocol.NewClient(clientConn)
	c.mu.Unlock()
}

func (c *fakeCluster) dial(ctx context.Context, a *shard.Announcement) (*protocol.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	client, ok := c.clients[a.PeerID]
	if !ok {
		return nil, errors.New(errors.Unavailable, "no such peer: "+a.PeerID)
	}
	return client, nil
}

func caps(mem uint64) shard.Capabilities {
	return shard.Capabilities{
		CPUCores: 8, MemoryTotal: 32 << 30, MemoryAvailable: mem,
		LatencyHint: 10, Reputation: 0.8, ShardLoaded: true, MaxConcurrent: 4,
	}
}

func TestWaitAndRetrySucceedsWhenMissingShardArrivesInTime(t *testing.T) {
	table := shard.NewTable("demo", 2)
	table.Insert(shard.New("peer-0", nil, 0, 2, 16, "m", "demo", caps(8<<30)))

	st, err := pipeline.Open(strategies.WaitAndRetryName, strategies.WaitAndRetryConfig{Timeout: 300 * time.Millisecond, Interval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	co := pipeline.NewCoordinator(table, newFakeCluster().dial, st, 2, 0)

	go func() {
		time.Sleep(60 * time.Millisecond)
		table.Insert(shard.New("peer-1", nil, 1, 2, 16, "m", "demo", caps(8<<30)))
	}()

	plan, err := st.Resolve(context.Background(), co)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if plan.Mode != pipeline.PlanPipeline || len(plan.Pipeline) != 2 {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestWaitAndRetryFailsWhenMissingShardNeverArrives(t *testing.T) {
	table := shard.NewTable("demo", 2)
	table.Insert(shard.New("peer-0", nil, 0, 2, 16, "m", "demo", caps(8<<30)))

	st, err := pipeline.Open(strategies.WaitAndRetryName, strategies.WaitAndRetryConfig{Timeout: 60 * time.Millisecond, Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	co := pipeline.NewCoordinator(table, newFakeCluster().dial, st, 2, 0)

	if _, err := st.Resolve(context.Background(), co); err == nil {
		t.Fatal("expected a timeout failure")
	}
}

func TestFailFastNeverWaits(t *testing.T) {
	table := shard.NewTable("demo", 2)
	table.Insert(shard.New("peer-0", nil, 0, 2, 16, "m", "demo", caps(8<<30)))

	co := pipeline.NewCoordinator(table, newFakeCluster().dial, strategies.FailFast{}, 2, 0)

	start := time.Now()
	_, err := strategies.FailFast{}.Resolve(context.Background(), co)
	if err == nil {
		t.Fatal("expected immediate failure")
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatalf("FailFast waited %s, should return immediately", time.Since(start))
	}
}

func TestSingleNodeFallbackRoutesToSufficientlyProvisionedEntryNode(t *testing.T) {
	table := shard.NewTable("demo", 1)
	table.Insert(shard.New("peer-0", nil, 0, 1, 16, "m", "demo", caps(32<<30)))

	cluster := newFakeCluster()
	cluster.addPeer("peer-0", func(ctx context.Context, req *protocol.Request) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	})
	co := pipeline.NewCoordinator(table, cluster.dial, strategies.SingleNodeFallback{}, 1, 0)

	st, err := pipeline.Open(strategies.SingleNodeFallbackName, strategies.SingleNodeFallbackConfig{RequiredMemoryForFull: 16 << 30})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	plan, err := st.Resolve(context.Background(), co)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if plan.Mode != pipeline.PlanSingleNode || plan.SingleNode.PeerID != "peer-0" {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestSingleNodeFallbackRejectsInsufficientMemory(t *testing.T) {
	table := shard.NewTable("demo", 1)
	table.Insert(shard.New("peer-0", nil, 0, 1, 16, "m", "demo", caps(4<<30)))

	co := pipeline.NewCoordinator(table, newFakeCluster().dial, strategies.SingleNodeFallback{}, 1, 0)
	st, err := pipeline.Open(strategies.SingleNodeFallbackName, strategies.SingleNodeFallbackConfig{RequiredMemoryForFull: 16 << 30})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := st.Resolve(context.Background(), co); err == nil {
		t.Fatal("expected rejection for insufficient memory")
	}
}

func TestDynamicLoadingIssuesLoadShardAndWaitsForReannouncement(t *testing.T) {
	table := shard.NewTable("demo", 2)
	table.Insert(shard.New("peer-0", nil, 0, 2, 16, "m", "demo", caps(16<<30)))

	cluster := newFakeCluster()
	cluster.addPeer("peer-0", func(ctx context.Context, req *protocol.Request) (map[string]interface{}, error) {
		shardIDF := req.Params["shard_id"].(float64)
		go func() {
			time.Sleep(20 * time.Millisecond)
			table.Insert(shard.New("peer-0", nil, shard.ID(shardIDF), 2, 16, "m", "demo", caps(16<<30)))
		}()
		return map[string]interface{}{}, nil
	})

	co := pipeline.NewCoordinator(table, cluster.dial, strategies.FailFast{}, 2, 0)
	st, err := pipeline.Open(strategies.DynamicLoadingName, strategies.DynamicLoadingConfig{MinMemoryForShard: 8 << 30, WaitTimeout: time.Second})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	plan, err := st.Resolve(context.Background(), co)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if plan.Mode != pipeline.PlanPipeline || len(plan.Pipeline) != 2 {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestAdaptiveFallsThroughToSingleNodeWhenOthersCannotSucceed(t *testing.T) {
	table := shard.NewTable("demo", 2)
	table.Insert(shard.New("peer-0", nil, 0, 2, 16, "m", "demo", caps(32<<30)))
	// shard 1 never appears and no node has spare memory for dynamic loading.

	co := pipeline.NewCoordinator(table, newFakeCluster().dial, strategies.FailFast{}, 2, 0)
	st, err := pipeline.Open(strategies.AdaptiveName, strategies.AdaptiveConfig{
		WaitTimeout:       30 * time.Millisecond,
		PerShardThreshold: 1 << 40, // unreachable, forces dynamic loading to fail
		FullThreshold:     16 << 30,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	plan, err := st.Resolve(context.Background(), co)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if plan.Mode != pipeline.PlanSingleNode || plan.SingleNode.PeerID != "peer-0" {
		t.Fatalf("plan = %+v, want single_node fallback to peer-0", plan)
	}
}
