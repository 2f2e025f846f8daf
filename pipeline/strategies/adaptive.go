package strategies

import (
	"context"
	"fmt"
	"time"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/errors"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pipeline"
)

// AdaptiveName is this strategy's registered driver name.
const AdaptiveName = "adaptive"

func init() {
	pipeline.RegisterDriver(AdaptiveName, adaptiveDriver{})
}

// AdaptiveConfig bundles the three sub-strategy thresholds §4.C6
// strategy 5 composes, in try order.
type AdaptiveConfig struct {
	WaitTimeout           time.Duration `yaml:"wait_timeout"`
	PerShardThreshold     uint64        `yaml:"per_shard_threshold"`
	FullThreshold         uint64        `yaml:"full_threshold"`
}

type adaptiveDriver struct{}

func (adaptiveDriver) New(params interface{}) (pipeline.Strategy, error) {
	cfg, ok := params.(AdaptiveConfig)
	if !ok {
		return nil, fmt.Errorf("strategies: adaptive requires an AdaptiveConfig, got %T", params)
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 5 * time.Second
	}
	return Adaptive{
		dynamic:    DynamicLoading{cfg: DynamicLoadingConfig{MinMemoryForShard: cfg.PerShardThreshold, WaitTimeout: cfg.WaitTimeout}},
		waitRetry:  WaitAndRetry{cfg: WaitAndRetryConfig{Timeout: cfg.WaitTimeout, Interval: 500 * time.Millisecond}},
		singleNode: SingleNodeFallback{cfg: SingleNodeFallbackConfig{RequiredMemoryForFull: cfg.FullThreshold}},
	}, nil
}

// Adaptive tries DynamicLoading, then WaitAndRetry, then
// SingleNodeFallback in order, returning the first one that succeeds
// (§4.C6 strategy 5).
type Adaptive struct {
	dynamic    DynamicLoading
	waitRetry  WaitAndRetry
	singleNode SingleNodeFallback
}

func (Adaptive) Name() string { return AdaptiveName }

func (a Adaptive) Resolve(ctx context.Context, co *pipeline.Coordinator) (*pipeline.Plan, error) {
	if co.Complete() {
		return &pipeline.Plan{Mode: pipeline.PlanPipeline, Pipeline: co.CurrentPlan()}, nil
	}

	var errs []error
	if plan, err := a.dynamic.Resolve(ctx, co); err == nil {
		return plan, nil
	} else {
		errs = append(errs, err)
	}
	if plan, err := a.waitRetry.Resolve(ctx, co); err == nil {
		return plan, nil
	} else {
		errs = append(errs, err)
	}
	if plan, err := a.singleNode.Resolve(ctx, co); err == nil {
		return plan, nil
	} else {
		errs = append(errs, err)
	}

	return nil, errors.New(errors.Unavailable, fmt.Sprintf("adaptive: all sub-strategies exhausted: %v", errs))
}
