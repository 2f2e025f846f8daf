package protocol

import (
	"fmt"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/errors"
)

// Validate checks req.Params against the per-command rules in §4.C5,
// returning an InvalidParams error describing the first violation. A
// command with no listed rules (e.g. GET_CAPABILITIES, LIST_FILES) is
// always valid: it takes no required params.
func Validate(req *Request) error {
	switch req.Command {
	case ExecuteTask:
		return validateExecuteTask(req.Params)
	case LoadShard:
		return validateLoadShard(req.Params)
	case RequestPiece:
		return validateRequestPiece(req.Params)
	case GetFileMetadata:
		return requireString(req.Params, "info_hash")
	case UpdateReputation:
		return validateUpdateReputation(req.Params)
	case GetReputation, FindNodes, GetCapabilities, ListFiles, SyncTorrents:
		return nil
	default:
		return errors.New(errors.InvalidParams, fmt.Sprintf("unknown command %q", req.Command))
	}
}

func validateExecuteTask(p map[string]interface{}) error {
	if err := requireString(p, "task_type"); err != nil {
		return err
	}
	if _, ok := p["input_data"]; !ok {
		return errors.New(errors.InvalidParams, "EXECUTE_TASK requires input_data")
	}

	taskType, _ := p["task_type"].(string)
	if taskType != "llama_inference" {
		return nil
	}

	if err := requireString(p, "model_name"); err != nil {
		return err
	}
	maxTokens, err := requireNumber(p, "max_tokens")
	if err != nil {
		return err
	}
	if maxTokens <= 0 || maxTokens > 4096 {
		return errors.New(errors.InvalidParams, "max_tokens must satisfy 0 < max_tokens <= 4096")
	}
	if temperature, ok := p["temperature"]; ok {
		t, ok := asNumber(temperature)
		if !ok || t < 0 || t > 2 {
			return errors.New(errors.InvalidParams, "temperature must satisfy 0 <= temperature <= 2")
		}
	}
	if topP, ok := p["top_p"]; ok {
		v, ok := asNumber(topP)
		if !ok || v < 0 || v > 1 {
			return errors.New(errors.InvalidParams, "top_p must satisfy 0 <= top_p <= 1")
		}
	}
	return nil
}

func validateLoadShard(p map[string]interface{}) error {
	n, err := requireNumber(p, "shard_id")
	if err != nil {
		return err
	}
	if n < 0 {
		return errors.New(errors.InvalidParams, "shard_id must be >= 0")
	}
	return nil
}

func validateRequestPiece(p map[string]interface{}) error {
	if err := requireString(p, "info_hash"); err != nil {
		return err
	}
	n, err := requireNumber(p, "piece_index")
	if err != nil {
		return err
	}
	if n < 0 {
		return errors.New(errors.InvalidParams, "piece_index must be >= 0")
	}
	return nil
}

func validateUpdateReputation(p map[string]interface{}) error {
	if err := requireString(p, "peer_id"); err != nil {
		return err
	}
	if _, err := requireNumber(p, "delta"); err != nil {
		return err
	}
	return nil
}

func requireString(p map[string]interface{}, key string) error {
	v, ok := p[key]
	if !ok {
		return errors.New(errors.InvalidParams, fmt.Sprintf("%s is required", key))
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return errors.New(errors.InvalidParams, fmt.Sprintf("%s must be a non-empty string", key))
	}
	return nil
}

func requireNumber(p map[string]interface{}, key string) (float64, error) {
	v, ok := p[key]
	if !ok {
		return 0, errors.New(errors.InvalidParams, fmt.Sprintf("%s is required", key))
	}
	n, ok := asNumber(v)
	if !ok {
		return 0, errors.New(errors.InvalidParams, fmt.Sprintf("%s must be a number", key))
	}
	return n, nil
}

// asNumber handles the fact that params decoded from JSON always arrive
// as float64, but a caller building a Request in-process (e.g. a test
// or the coordinator composing EXECUTE_TASK locally) may use an int.
func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
