package strategies

import (
	"context"
	"fmt"
	"time"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/errors"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pipeline"
)

// WaitAndRetryName is this strategy's registered driver name.
const WaitAndRetryName = "wait_and_retry"

func init() {
	pipeline.RegisterDriver(WaitAndRetryName, waitAndRetryDriver{})
}

// WaitAndRetryConfig configures the polling timeout and interval.
type WaitAndRetryConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Interval time.Duration `yaml:"interval"`
}

type waitAndRetryDriver struct{}

func (waitAndRetryDriver) New(params interface{}) (pipeline.Strategy, error) {
	cfg, ok := params.(WaitAndRetryConfig)
	if !ok {
		return nil, fmt.Errorf("strategies: wait_and_retry requires a WaitAndRetryConfig, got %T", params)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	return WaitAndRetry{cfg: cfg}, nil
}

// WaitAndRetry queues the request and re-checks completeness on every
// interval tick until the timeout elapses (§4.C6 strategy 2).
type WaitAndRetry struct {
	cfg WaitAndRetryConfig
}

func (WaitAndRetry) Name() string { return WaitAndRetryName }

func (s WaitAndRetry) Resolve(ctx context.Context, co *pipeline.Coordinator) (*pipeline.Plan, error) {
	if co.Complete() {
		return &pipeline.Plan{Mode: pipeline.PlanPipeline, Pipeline: co.CurrentPlan()}, nil
	}

	deadline := time.NewTimer(s.cfg.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if co.Complete() {
				return &pipeline.Plan{Mode: pipeline.PlanPipeline, Pipeline: co.CurrentPlan()}, nil
			}
		case <-deadline.C:
			return nil, errors.New(errors.Unavailable, fmt.Sprintf("wait_and_retry timed out after %s with missing shards %v", s.cfg.Timeout, co.Missing()))
		case <-ctx.Done():
			return nil, errors.New(errors.Timeout, "wait_and_retry: "+ctx.Err().Error())
		}
	}
}
