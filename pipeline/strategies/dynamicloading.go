package strategies

import (
	"context"
	"fmt"
	"time"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/errors"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pipeline"
)

// DynamicLoadingName is this strategy's registered driver name.
const DynamicLoadingName = "dynamic_loading"

func init() {
	pipeline.RegisterDriver(DynamicLoadingName, dynamicLoadingDriver{})
}

// DynamicLoadingConfig configures the minimum spare memory a candidate
// node must report to be asked to load a missing shard, and how long to
// wait for its re-announcement afterward.
type DynamicLoadingConfig struct {
	MinMemoryForShard uint64        `yaml:"min_memory_for_shard"`
	WaitTimeout       time.Duration `yaml:"wait_timeout"`
}

type dynamicLoadingDriver struct{}

func (dynamicLoadingDriver) New(params interface{}) (pipeline.Strategy, error) {
	cfg, ok := params.(DynamicLoadingConfig)
	if !ok {
		return nil, fmt.Errorf("strategies: dynamic_loading requires a DynamicLoadingConfig, got %T", params)
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 10 * time.Second
	}
	return DynamicLoading{cfg: cfg}, nil
}

// DynamicLoading picks a node with spare memory and directs it to fetch
// the missing shard via LOAD_SHARD, then waits for its re-announcement
// (§4.C6 strategy 3).
type DynamicLoading struct {
	cfg DynamicLoadingConfig
}

func (DynamicLoading) Name() string { return DynamicLoadingName }

func (s DynamicLoading) Resolve(ctx context.Context, co *pipeline.Coordinator) (*pipeline.Plan, error) {
	if co.Complete() {
		return &pipeline.Plan{Mode: pipeline.PlanPipeline, Pipeline: co.CurrentPlan()}, nil
	}

	missing := co.Missing()
	if len(missing) == 0 {
		return &pipeline.Plan{Mode: pipeline.PlanPipeline, Pipeline: co.CurrentPlan()}, nil
	}

	candidate, ok := co.AnyReplicaWithSpareMemory(s.cfg.MinMemoryForShard)
	if !ok {
		return nil, errors.New(errors.Unavailable, fmt.Sprintf("dynamic_loading: no node with >= %d bytes spare to load shard %d", s.cfg.MinMemoryForShard, missing[0]))
	}

	if err := co.RequestLoadShard(ctx, candidate, missing[0]); err != nil {
		return nil, fmt.Errorf("dynamic_loading: LOAD_SHARD to %s failed: %w", candidate.PeerID, err)
	}

	deadline := time.NewTimer(s.cfg.WaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if co.Complete() {
				return &pipeline.Plan{Mode: pipeline.PlanPipeline, Pipeline: co.CurrentPlan()}, nil
			}
		case <-deadline.C:
			return nil, errors.New(errors.Unavailable, fmt.Sprintf("dynamic_loading: %s never re-announced shard %d within %s", candidate.PeerID, missing[0], s.cfg.WaitTimeout))
		case <-ctx.Done():
			return nil, errors.New(errors.Timeout, "dynamic_loading: "+ctx.Err().Error())
		}
	}
}
