package protocol

import (
	"testing"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/errors"
)

func TestValidateExecuteTaskRequiresTaskTypeAndInputData(t *testing.T) {
	req := &Request{Command: ExecuteTask, Params: map[string]interface{}{}}
	err := Validate(req)
	if err == nil {
		t.Fatal("expected validation error for missing task_type")
	}
	typed, ok := errors.As(err)
	if !ok || typed.Kind() != errors.InvalidParams {
		t.Fatalf("err = %v, want InvalidParams", err)
	}

	err = Validate(&Request{Command: ExecuteTask, Params: map[string]interface{}{"task_type": "echo"}})
	if err == nil {
		t.Fatal("expected validation error for missing input_data")
	}
}

func TestValidateExecuteTaskLlamaInferenceBounds(t *testing.T) {
	base := map[string]interface{}{
		"task_type":  "llama_inference",
		"input_data": "hello",
		"model_name": "llama-7b",
		"max_tokens": float64(16),
	}
	if err := Validate(&Request{Command: ExecuteTask, Params: base}); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	tooMany := cloneParams(base)
	tooMany["max_tokens"] = float64(5000)
	if err := Validate(&Request{Command: ExecuteTask, Params: tooMany}); err == nil {
		t.Fatal("expected rejection for max_tokens > 4096")
	}

	badTemp := cloneParams(base)
	badTemp["temperature"] = float64(3)
	if err := Validate(&Request{Command: ExecuteTask, Params: badTemp}); err == nil {
		t.Fatal("expected rejection for temperature > 2")
	}

	badTopP := cloneParams(base)
	badTopP["top_p"] = float64(1.5)
	if err := Validate(&Request{Command: ExecuteTask, Params: badTopP}); err == nil {
		t.Fatal("expected rejection for top_p > 1")
	}
}

func TestValidateLoadShardRequiresNonNegativeShardID(t *testing.T) {
	if err := Validate(&Request{Command: LoadShard, Params: map[string]interface{}{"shard_id": float64(-1)}}); err == nil {
		t.Fatal("expected rejection for negative shard_id")
	}
	if err := Validate(&Request{Command: LoadShard, Params: map[string]interface{}{"shard_id": float64(0)}}); err != nil {
		t.Fatalf("shard_id=0 should be valid: %v", err)
	}
}

func TestValidateRequestPieceRequiresInfoHashAndIndex(t *testing.T) {
	err := Validate(&Request{Command: RequestPiece, Params: map[string]interface{}{"info_hash": "abc"}})
	if err == nil {
		t.Fatal("expected rejection for missing piece_index")
	}
}

func TestValidateCommandsWithNoParamsAlwaysPass(t *testing.T) {
	for _, cmd := range []Command{GetCapabilities, ListFiles, SyncTorrents, FindNodes} {
		if err := Validate(&Request{Command: cmd}); err != nil {
			t.Fatalf("%s should require no params: %v", cmd, err)
		}
	}
}

func cloneParams(p map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
