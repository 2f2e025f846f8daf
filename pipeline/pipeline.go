// Package pipeline implements the coordinator side of §4.C6: a state
// machine over shard completeness, a pluggable fallback Strategy, and
// the dispatch/fan-in logic that turns an InferenceRequest into an
// ordered sequence of EXECUTE_TASK calls across a shard pipeline.
package pipeline

import (
	"time"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/shard"
)

// InferenceRequest is the coordinator's public entry point (§4.C6).
type InferenceRequest struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
	TopP        float64
	ModelName   string

	// TaskType defaults to "llama_inference" when empty; InputData
	// defaults to Prompt when nil, letting callers that only care about
	// the llama_inference shape omit both.
	TaskType  string
	InputData interface{}
}

func (r *InferenceRequest) normalize() {
	if r.TaskType == "" {
		r.TaskType = "llama_inference"
	}
	if r.InputData == nil {
		r.InputData = r.Prompt
	}
}

// ShardLatency records one shard's contribution to a request's latency.
type ShardLatency struct {
	ShardID  shard.ID
	PeerID   string
	Duration time.Duration
}

// InferenceResponse is the coordinator's result (§4.C6).
type InferenceResponse struct {
	Text            string
	TokensGenerated int
	PerShardLatency []ShardLatency
	TotalLatency    time.Duration
	StrategyUsed    string
}

// StateKind enumerates CoordinatorState's variants (§3).
type StateKind string

const (
	Ready            StateKind = "Ready"
	WaitingForShards StateKind = "WaitingForShards"
	LoadingShards    StateKind = "LoadingShards"
	FallbackMode     StateKind = "FallbackMode"
	UnavailableState StateKind = "Unavailable"
)

// State is CoordinatorState, a sum type modeled as a tagged struct since
// Go has no native sum types: exactly the fields relevant to Kind are
// meaningful, the rest are zero.
type State struct {
	Kind    StateKind
	Missing []shard.ID // WaitingForShards, LoadingShards
	Node    string     // FallbackMode: peer id running the fallback
	Reason  string     // Unavailable
}
