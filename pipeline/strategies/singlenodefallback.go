package strategies

import (
	"context"
	"fmt"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/errors"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pipeline"
)

// SingleNodeFallbackName is this strategy's registered driver name.
const SingleNodeFallbackName = "single_node_fallback"

func init() {
	pipeline.RegisterDriver(SingleNodeFallbackName, singleNodeFallbackDriver{})
}

// SingleNodeFallbackConfig configures the memory threshold a node must
// report to run the full model alone.
type SingleNodeFallbackConfig struct {
	RequiredMemoryForFull uint64 `yaml:"required_memory_for_full"`
}

type singleNodeFallbackDriver struct{}

func (singleNodeFallbackDriver) New(params interface{}) (pipeline.Strategy, error) {
	cfg, ok := params.(SingleNodeFallbackConfig)
	if !ok {
		return nil, fmt.Errorf("strategies: single_node_fallback requires a SingleNodeFallbackConfig, got %T", params)
	}
	return SingleNodeFallback{cfg: cfg}, nil
}

// SingleNodeFallback routes the entire request to one node whose
// memory_available meets required_memory_for_full (§4.C6 strategy 4).
// It targets the entry shard's best replica, since that's the node the
// spec's S4 scenario brings up as the sole available shard.
type SingleNodeFallback struct {
	cfg SingleNodeFallbackConfig
}

func (SingleNodeFallback) Name() string { return SingleNodeFallbackName }

func (s SingleNodeFallback) Resolve(ctx context.Context, co *pipeline.Coordinator) (*pipeline.Plan, error) {
	if co.Complete() {
		return &pipeline.Plan{Mode: pipeline.PlanPipeline, Pipeline: co.CurrentPlan()}, nil
	}

	node, ok := co.BestForEntry()
	if !ok {
		return nil, errors.New(errors.Unavailable, "single_node_fallback: no entry shard replica known")
	}
	if node.MemoryAvailable < s.cfg.RequiredMemoryForFull {
		return nil, errors.New(errors.Unavailable, fmt.Sprintf("single_node_fallback: %s has %d bytes available, need %d", node.PeerID, node.MemoryAvailable, s.cfg.RequiredMemoryForFull))
	}

	return &pipeline.Plan{Mode: pipeline.PlanSingleNode, SingleNode: node}, nil
}
