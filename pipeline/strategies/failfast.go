// Package strategies implements the five §4.C6 fallback strategies as
// pipeline.Strategy drivers, registered by name the way
// shard/replicastore's drivers are, so a coordinator's strategy is a
// plain configuration string.
package strategies

import (
	"context"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/errors"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pipeline"
)

// FailFastName is this strategy's registered driver name.
const FailFastName = "fail_fast"

func init() {
	pipeline.RegisterDriver(FailFastName, failFastDriver{})
}

type failFastDriver struct{}

func (failFastDriver) New(params interface{}) (pipeline.Strategy, error) {
	return FailFast{}, nil
}

// FailFast never waits: an incomplete pipeline fails the request
// immediately with NoFallback (§4.C6 strategy 1).
type FailFast struct{}

func (FailFast) Name() string { return FailFastName }

func (FailFast) Resolve(ctx context.Context, co *pipeline.Coordinator) (*pipeline.Plan, error) {
	if co.Complete() {
		return &pipeline.Plan{Mode: pipeline.PlanPipeline, Pipeline: co.CurrentPlan()}, nil
	}
	return nil, errors.New(errors.Unavailable, "NoFallback")
}
