package pipeline

import (
	"context"
	"fmt"
)

// Plan is what a Strategy hands back to the Coordinator once it has
// made an incomplete pipeline usable: either a normal layer-sharded
// pipeline (possibly rebuilt after a dynamic load) or a single node
// running the whole model (§4.C6 SingleNodeFallback).
type PlanMode string

const (
	PlanPipeline   PlanMode = "pipeline"
	PlanSingleNode PlanMode = "single_node"
)

type Plan struct {
	Mode       PlanMode
	Pipeline   []ShardPlanEntry
	SingleNode *ReplicaRef
}

// ShardPlanEntry and ReplicaRef decouple pipeline/strategy from
// shard.PipelineEntry's exact shape so strategies only need the fields
// dispatch actually reads; coordinator.go adapts shard.Table's real
// types into these when it calls a Strategy.
type ShardPlanEntry struct {
	ShardID uint32
	Replica *ReplicaRef
}

type ReplicaRef struct {
	PeerID          string
	ListenAddresses []string
	MemoryAvailable uint64
	MaxConcurrent   int
}

// Strategy resolves an incomplete pipeline into a dispatchable Plan, or
// reports that it cannot (§4.C6). Implementations may block (e.g.
// WaitAndRetry polling on an interval) up to their own configured
// timeout; the Coordinator does not impose an additional deadline
// beyond the request's own ctx.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, co *Coordinator) (*Plan, error)
}

// Driver constructs a Strategy from untyped params, the same shape as
// shard/replicastore.Driver, so a coordinator's strategy is selectable
// by name from configuration.
type Driver interface {
	New(params interface{}) (Strategy, error)
}

var drivers = make(map[string]Driver)

// RegisterDriver registers a named Strategy driver. Called from each
// strategy implementation's init().
func RegisterDriver(name string, d Driver) {
	if name == "" {
		panic("pipeline: RegisterDriver called with empty name")
	}
	if _, exists := drivers[name]; exists {
		panic("pipeline: RegisterDriver called twice for " + name)
	}
	drivers[name] = d
}

// Open constructs a Strategy by its registered driver name.
func Open(name string, params interface{}) (Strategy, error) {
	d, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("pipeline: no strategy driver registered for %q", name)
	}
	return d.New(params)
}
