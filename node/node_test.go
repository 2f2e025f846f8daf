package node

import (
	"context"
	"testing"
	"time"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/config"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/inference"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/protocol"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ClusterName = "demo-cluster"
	cfg.TotalShards = 2
	cfg.TotalLayers = 8
	cfg.ShardID = 0
	cfg.ModelName = "llama-demo"
	cfg.ShardsDir = t.TempDir()
	cfg.ListenPort = 0
	return cfg
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := New(testConfig(t), Deps{
		Engine:        inference.Echo{},
		MetastorePath: t.TempDir() + "/meta.db",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(n.Stop)
	return n
}

func TestNewNodeHasStableIdentityAndListenAddress(t *testing.T) {
	n := newTestNode(t)

	if n.ID() == "" {
		t.Fatal("Node ID should not be empty")
	}
	if len(n.ListenAddresses()) == 0 {
		t.Fatal("Node should report at least one listen address")
	}
}

func TestHandleGetCapabilitiesReportsConfiguredShard(t *testing.T) {
	n := newTestNode(t)

	resp := n.commands.Dispatch(context.Background(), &protocol.Request{
		Command:   protocol.GetCapabilities,
		RequestID: "req-1",
		From:      "peer-caller",
		Timestamp: time.Now().Unix(),
	})

	if resp.Status != protocol.Success {
		t.Fatalf("status = %v, want Success (error: %s)", resp.Status, resp.Error)
	}
	if got, ok := resp.Result["shard_id"].(uint32); !ok || got != 0 {
		t.Errorf("shard_id = %v, want 0", resp.Result["shard_id"])
	}
	if maxConc, ok := resp.Result["max_concurrent"].(int); !ok || maxConc != config.DefaultMaxConcurrent {
		t.Errorf("max_concurrent = %v, want %d", resp.Result["max_concurrent"], config.DefaultMaxConcurrent)
	}
}

func TestHandleExecuteTaskEntryShardForwardsActivations(t *testing.T) {
	n := newTestNode(t)

	resp := n.commands.Dispatch(context.Background(), &protocol.Request{
		Command:   protocol.ExecuteTask,
		RequestID: "req-2",
		From:      "peer-caller",
		Timestamp: time.Now().Unix(),
		Params: map[string]interface{}{
			"task_type":  "llama_inference",
			"input_data": "hello",
			"model_name": "llama-demo",
			"max_tokens": float64(16),
		},
	})

	if resp.Status != protocol.Success {
		t.Fatalf("status = %v, want Success (error: %s)", resp.Status, resp.Error)
	}
	if resp.Result["activations"] != "hello" {
		t.Errorf("activations = %v, want echoed input on the entry shard", resp.Result["activations"])
	}
}

func TestHandleExecuteTaskRejectsWhenOverloaded(t *testing.T) {
	n := newTestNode(t)

	for i := 0; i < cap(n.sem); i++ {
		n.sem <- struct{}{}
	}
	defer func() {
		for i := 0; i < cap(n.sem); i++ {
			<-n.sem
		}
	}()

	resp := n.commands.Dispatch(context.Background(), &protocol.Request{
		Command:   protocol.ExecuteTask,
		RequestID: "req-3",
		From:      "peer-caller",
		Timestamp: time.Now().Unix(),
		Params:    map[string]interface{}{"task_type": "llama_inference", "input_data": "x", "model_name": "llama-demo", "max_tokens": float64(16)},
	})

	if resp.Status != protocol.Failure || resp.ErrorKind != "Overloaded" {
		t.Fatalf("status/kind = %v/%v, want Failure/Overloaded", resp.Status, resp.ErrorKind)
	}
}

func TestHandleUpdateReputationClampsToUnitInterval(t *testing.T) {
	n := newTestNode(t)

	resp := n.commands.Dispatch(context.Background(), &protocol.Request{
		Command:   protocol.UpdateReputation,
		RequestID: "req-4",
		From:      "peer-caller",
		Timestamp: time.Now().Unix(),
		Params:    map[string]interface{}{"peer_id": "peer-caller", "delta": 5.0},
	})

	if resp.Status != protocol.Success {
		t.Fatalf("status = %v, want Success (error: %s)", resp.Status, resp.Error)
	}
	if resp.Result["reputation"] != 1.0 {
		t.Errorf("reputation = %v, want clamped to 1.0", resp.Result["reputation"])
	}
}

func TestHandleListFilesEmptyWhenNoShardsPresent(t *testing.T) {
	n := newTestNode(t)

	resp := n.pieces.Dispatch(context.Background(), &protocol.Request{
		Command:   protocol.ListFiles,
		RequestID: "req-5",
		From:      "peer-caller",
		Timestamp: time.Now().Unix(),
	})

	if resp.Status != protocol.Success {
		t.Fatalf("status = %v, want Success (error: %s)", resp.Status, resp.Error)
	}
	files, _ := resp.Result["files"].([]map[string]interface{})
	if len(files) != 0 {
		t.Errorf("files = %v, want empty registry", files)
	}
}

func TestStartReturnsPromptlyWhenContextCanceled(t *testing.T) {
	n := newTestNode(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return promptly after context cancellation")
	}
}
