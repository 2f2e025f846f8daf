// Package inference defines the boundary to the external model runtime
// (§4.C9): this system treats whatever actually runs model layers as an
// opaque collaborator reached through a single "run this layer range
// against these activations" call. Nothing in this module parses model
// weights, tokenizes text, or schedules GPU work; EXECUTE_TASK handling
// in node stops at calling Engine and forwarding whatever it returns.
package inference

import "context"

// Request is one shard's worth of work: its model and layer range, the
// task type and input data carried by the EXECUTE_TASK command, and the
// sampling parameters a llama_inference task needs on its exit shard.
type Request struct {
	ModelName  string
	LayerStart uint32
	LayerEnd   uint32
	IsEntry    bool
	IsExit     bool

	TaskType string
	Input    interface{}

	MaxTokens   int
	Temperature float64
	TopP        float64
}

// Result is what a shard hands back: either activations to forward to
// the next shard in the pipeline, or, from the exit shard, decoded
// text and a token count.
type Result struct {
	// Activations is opaque to this system; it is round-tripped through
	// EXECUTE_TASK params verbatim for the next shard's Input.
	Activations interface{}

	Text            string
	TokensGenerated int
}

// Engine runs one shard's layer range. Implementations are expected to
// be provided by the operator's actual model runtime; this package only
// defines the call shape the node dispatcher invokes.
type Engine interface {
	RunLayerRange(ctx context.Context, req Request) (Result, error)
}

// Echo is a minimal Engine that performs no real computation: the entry
// shard wraps its input as "activations", an interior shard forwards
// activations unchanged, and the exit shard renders a fixed-shape
// response. It exists so the node runtime and its tests can exercise
// the full EXECUTE_TASK path without a real model runtime attached,
// the same role a no-op backend plays in integration tests for a real
// inference engine.
type Echo struct{}

func (Echo) RunLayerRange(ctx context.Context, req Request) (Result, error) {
	if req.IsExit {
		return Result{
			Text:            "echo:" + toString(req.Input),
			TokensGenerated: req.MaxTokens,
		}, nil
	}
	return Result{Activations: req.Input}, nil
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
