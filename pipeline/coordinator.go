package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/errors"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/log"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/timecache"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/protocol"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/shard"
)

// MaxRetriesPerRequest bounds total shard-dispatch retries across one
// request's whole pipeline (§4.C6, §7).
const MaxRetriesPerRequest = 2

// ReputationPenalty is applied to a replica that fails an EXECUTE_TASK.
const ReputationPenalty = -0.05

// DefaultQueueDepth is the bounded local FIFO queue depth (§5).
const DefaultQueueDepth = 64

// DefaultMaxConcurrent is used for a replica that didn't advertise a
// max_concurrent (treated as unset, not zero, since zero would mean no
// dispatch is ever possible).
const DefaultMaxConcurrent = 4

// Dialer opens a command-protocol Client to a shard replica, hiding
// transport.Host/libp2p details from this package. Implementations
// typically cache connections per peer id.
type Dialer func(ctx context.Context, a *shard.Announcement) (*protocol.Client, error)

// Coordinator is the per-process pipeline coordinator (§4.C6): it holds
// a shard.Table kept current by a shard.Discoverer, a fallback
// Strategy, and the admission/backpressure plumbing dispatch needs.
type Coordinator struct {
	table       *shard.Table
	dial        Dialer
	strategy    Strategy
	totalShards uint32

	mu    sync.Mutex
	state State

	sem       chan struct{} // bounded local request queue (§5)
	shardSems sync.Map      // peerID -> chan struct{}, per max_concurrent
}

// NewCoordinator constructs a Coordinator. queueDepth <= 0 uses
// DefaultQueueDepth.
func NewCoordinator(table *shard.Table, dial Dialer, strategy Strategy, totalShards uint32, queueDepth int) *Coordinator {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Coordinator{
		table:       table,
		dial:        dial,
		strategy:    strategy,
		totalShards: totalShards,
		state:       State{Kind: Ready},
		sem:         make(chan struct{}, queueDepth),
	}
}

// State returns the coordinator's current CoordinatorState snapshot.
func (co *Coordinator) State() State {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.state
}

// OnAnnouncementMutation is the shard.Discoverer.OnMutate hook: it
// recomputes completeness after every replica-table mutation (§4.C6
// "Any -> announcement(S): insert; recompute completeness").
func (co *Coordinator) OnAnnouncementMutation() {
	co.mu.Lock()
	defer co.mu.Unlock()

	if co.table.Complete() {
		if co.state.Kind != Ready {
			log.Info("pipeline: coordinator pipeline complete", log.Fields{"previous_state": co.state.Kind})
		}
		co.state = State{Kind: Ready}
		return
	}

	missing := co.table.Missing()
	if co.state.Kind == Ready || co.state.Kind == "" {
		co.state = State{Kind: WaitingForShards, Missing: missing}
	} else {
		co.state.Missing = missing
	}
}

// Submit accepts an InferenceRequest and runs it to completion or
// failure, applying the coordinator's fallback Strategy if the
// pipeline is incomplete when the request arrives.
func (co *Coordinator) Submit(ctx context.Context, req *InferenceRequest) (*InferenceResponse, error) {
	req.normalize()

	select {
	case co.sem <- struct{}{}:
		defer func() { <-co.sem }()
	default:
		return nil, errors.New(errors.Overloaded, "coordinator request queue full")
	}

	if co.table.Complete() {
		return co.dispatchPipeline(ctx, req, co.currentPlan())
	}

	plan, err := co.strategy.Resolve(ctx, co)
	if err != nil {
		return nil, err
	}

	switch plan.Mode {
	case PlanSingleNode:
		return co.dispatchSingleNode(ctx, req, plan.SingleNode)
	default:
		return co.dispatchPipeline(ctx, req, plan.Pipeline)
	}
}

func (co *Coordinator) currentPlan() []ShardPlanEntry {
	order := co.table.BuildPipelineOrder()
	out := make([]ShardPlanEntry, 0, len(order))
	for _, e := range order {
		out = append(out, ShardPlanEntry{ShardID: uint32(e.ShardID), Replica: toRef(e.Replica)})
	}
	return out
}

func toRef(a *shard.Announcement) *ReplicaRef {
	return &ReplicaRef{
		PeerID:          a.PeerID,
		ListenAddresses: a.ListenAddresses,
		MemoryAvailable: a.Capabilities.MemoryAvailable,
		MaxConcurrent:   a.Capabilities.MaxConcurrent,
	}
}

// --- Strategy-facing helpers (pipeline/strategies call these) ---

// TotalShards returns the pipeline's configured shard count.
func (co *Coordinator) TotalShards() uint32 { return co.totalShards }

// Complete reports whether every shard currently has a fresh replica.
func (co *Coordinator) Complete() bool { return co.table.Complete() }

// Missing returns shard ids with no current replica.
func (co *Coordinator) Missing() []uint32 {
	out := make([]uint32, 0)
	for _, id := range co.table.Missing() {
		out = append(out, uint32(id))
	}
	return out
}

// BestReplica returns the best known replica for a shard id, if any.
func (co *Coordinator) BestReplica(shardID uint32) (*ReplicaRef, bool) {
	a, ok := co.table.Best(shard.ID(shardID))
	if !ok {
		return nil, false
	}
	return toRef(a), true
}

// BestForEntry returns the best replica for shard 0, the node a
// SingleNodeFallback routes an entire request to.
func (co *Coordinator) BestForEntry() (*ReplicaRef, bool) {
	return co.BestReplica(0)
}

// CurrentPlan snapshots the table into a dispatchable pipeline, for a
// strategy that has just made the table complete (e.g. after
// DynamicLoading's wait) and wants to hand back a normal Plan.
func (co *Coordinator) CurrentPlan() []ShardPlanEntry {
	return co.currentPlan()
}

// AnyReplicaWithSpareMemory scans every currently-known replica across
// all shards and returns the first with memory_available >= minMemory,
// for DynamicLoading to direct a LOAD_SHARD at.
func (co *Coordinator) AnyReplicaWithSpareMemory(minMemory uint64) (*ReplicaRef, bool) {
	for id := shard.ID(0); uint32(id) < co.totalShards; id++ {
		for _, a := range co.table.Replicas(id) {
			if a.Capabilities.MemoryAvailable >= minMemory {
				return toRef(a), true
			}
		}
	}
	return nil, false
}

// RequestLoadShard issues a LOAD_SHARD command to target asking it to
// load shardID, used by the DynamicLoading strategy.
func (co *Coordinator) RequestLoadShard(ctx context.Context, target *ReplicaRef, shardID uint32) error {
	a := &shard.Announcement{PeerID: target.PeerID, ListenAddresses: target.ListenAddresses}
	client, err := co.dial(ctx, a)
	if err != nil {
		return err
	}
	resp, err := client.Call(ctx, &protocol.Request{
		Command:   protocol.LoadShard,
		RequestID: "req-load-" + uuid.NewString(),
		From:      "coordinator",
		To:        target.PeerID,
		Timestamp: timecache.NowUnix(),
		Params:    map[string]interface{}{"shard_id": float64(shardID)},
	})
	if err != nil {
		return err
	}
	if resp.Status != protocol.Success {
		return errors.New(errors.Kind(resp.ErrorKind), resp.Error)
	}
	return nil
}

// --- dispatch ---

func (co *Coordinator) dispatchPipeline(ctx context.Context, req *InferenceRequest, order []ShardPlanEntry) (*InferenceResponse, error) {
	if len(order) == 0 {
		return nil, errors.New(errors.Unavailable, "empty pipeline")
	}

	start := time.Now()
	jobID := uuid.NewString()
	var perShard []ShardLatency
	retries := 0
	var lastResult map[string]interface{}
	output := req.InputData

	for _, entry := range order {
		replica := entry.Replica
		for {
			requestID := fmt.Sprintf("req-%s-%d", jobID, entry.ShardID)
			params := executeTaskParams(req, output)

			t0 := time.Now()
			result, status, errKind, errMsg, callErr := co.callShard(ctx, replica, requestID, params)
			dur := time.Since(t0)

			if callErr == nil && status == protocol.Success {
				perShard = append(perShard, ShardLatency{ShardID: shard.ID(entry.ShardID), PeerID: replica.PeerID, Duration: dur})
				lastResult = result
				if activations, ok := result["activations"]; ok {
					output = activations
				}
				break
			}

			co.table.Penalize(shard.ID(entry.ShardID), replica.PeerID, ReputationPenalty)
			retries++
			if retries > MaxRetriesPerRequest {
				if errMsg == "" {
					errMsg = "shard dispatch failed"
				}
				return nil, errors.New(errors.Unavailable, fmt.Sprintf("pipeline exhausted retries at shard %d: %s", entry.ShardID, errMsg))
			}

			alt, ok := co.nextBestExcluding(shard.ID(entry.ShardID), replica.PeerID)
			if !ok {
				return nil, errors.New(errors.Unavailable, fmt.Sprintf("no alternate replica for shard %d after %s", entry.ShardID, errKind))
			}
			replica = alt
		}
	}

	text, _ := lastResult["text"].(string)
	tokens, _ := lastResult["tokens_generated"].(float64)

	return &InferenceResponse{
		Text:            text,
		TokensGenerated: int(tokens),
		PerShardLatency: perShard,
		TotalLatency:    time.Since(start),
		StrategyUsed:    co.strategy.Name(),
	}, nil
}

func (co *Coordinator) dispatchSingleNode(ctx context.Context, req *InferenceRequest, node *ReplicaRef) (*InferenceResponse, error) {
	start := time.Now()
	requestID := "req-" + uuid.NewString()
	params := executeTaskParams(req, req.InputData)

	t0 := time.Now()
	result, status, _, errMsg, callErr := co.callShard(ctx, node, requestID, params)
	dur := time.Since(t0)
	if callErr != nil || status != protocol.Success {
		if errMsg == "" {
			errMsg = "single node dispatch failed"
		}
		return nil, errors.New(errors.Unavailable, errMsg)
	}

	text, _ := result["text"].(string)
	tokens, _ := result["tokens_generated"].(float64)

	return &InferenceResponse{
		Text:            text,
		TokensGenerated: int(tokens),
		PerShardLatency: []ShardLatency{{ShardID: 0, PeerID: node.PeerID, Duration: dur}},
		TotalLatency:    time.Since(start),
		StrategyUsed:    co.strategy.Name(),
	}, nil
}

func executeTaskParams(req *InferenceRequest, input interface{}) map[string]interface{} {
	params := map[string]interface{}{"task_type": req.TaskType, "input_data": input}
	if req.TaskType == "llama_inference" {
		params["model_name"] = req.ModelName
		params["max_tokens"] = float64(req.MaxTokens)
		params["temperature"] = req.Temperature
		params["top_p"] = req.TopP
	}
	return params
}

// callShard acquires that replica's max_concurrent admission slot,
// dispatches one EXECUTE_TASK, and returns its decoded result.
func (co *Coordinator) callShard(ctx context.Context, replica *ReplicaRef, requestID string, params map[string]interface{}) (result map[string]interface{}, status protocol.Status, errKind, errMsg string, err error) {
	release, admitErr := co.acquireSlot(ctx, replica)
	if admitErr != nil {
		return nil, "", string(errors.Overloaded), admitErr.Error(), admitErr
	}
	defer release()

	a := &shard.Announcement{PeerID: replica.PeerID, ListenAddresses: replica.ListenAddresses}
	client, err := co.dial(ctx, a)
	if err != nil {
		return nil, "", string(errors.Unavailable), err.Error(), err
	}

	resp, err := client.Call(ctx, &protocol.Request{
		Command:   protocol.ExecuteTask,
		RequestID: requestID,
		From:      "coordinator",
		To:        replica.PeerID,
		Timestamp: timecache.NowUnix(),
		Params:    params,
	})
	if err != nil {
		return nil, "", string(errors.Timeout), err.Error(), err
	}
	if resp.Status != protocol.Success {
		return nil, resp.Status, resp.ErrorKind, resp.Error, errors.New(errors.Kind(resp.ErrorKind), resp.Error)
	}
	return resp.Result, resp.Status, "", "", nil
}

func (co *Coordinator) acquireSlot(ctx context.Context, replica *ReplicaRef) (func(), error) {
	max := replica.MaxConcurrent
	if max <= 0 {
		max = DefaultMaxConcurrent
	}
	key := replica.PeerID
	v, _ := co.shardSems.LoadOrStore(key, make(chan struct{}, max))
	sem := v.(chan struct{})

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, errors.New(errors.Overloaded, "shard at max_concurrent and coordinator queue full")
	}
}

func (co *Coordinator) nextBestExcluding(id shard.ID, excludePeerID string) (*ReplicaRef, bool) {
	candidates := co.table.Replicas(id)
	var best *shard.Announcement
	var bestScore float64
	for _, c := range candidates {
		if c.PeerID == excludePeerID {
			continue
		}
		s := shard.Score(c.Capabilities)
		if best == nil || s > bestScore {
			best, bestScore = c, s
		}
	}
	if best == nil {
		return nil, false
	}
	return toRef(best), true
}
