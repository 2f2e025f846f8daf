package protocol

import (
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := &Request{Command: LoadShard, RequestID: "req-1", From: "peer-a", Params: map[string]interface{}{"shard_id": float64(2)}}

	if err := WriteFrame(&buf, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if got.Command != req.Command || got.RequestID != req.RequestID || got.From != req.From {
		t.Fatalf("got %+v, want %+v", got, req)
	}
	if got.Params["shard_id"] != float64(2) {
		t.Fatalf("shard_id = %v, want 2", got.Params["shard_id"])
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	prefix := make([]byte, 4)
	prefix[0] = 0xFF // length far beyond MaxFrameSize
	buf.Write(prefix)

	var req Request
	if err := ReadFrame(&buf, &req); err == nil {
		t.Fatal("expected an error for an oversized frame length")
	}
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		if err := WriteFrame(&buf, &Request{Command: GetCapabilities, RequestID: string(rune('a' + i))}); err != nil {
			t.Fatalf("WriteFrame %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		req, err := ReadRequest(&buf)
		if err != nil {
			t.Fatalf("ReadRequest %d: %v", i, err)
		}
		if req.RequestID != string(rune('a'+i)) {
			t.Fatalf("frame %d request_id = %q, want %q", i, req.RequestID, string(rune('a'+i)))
		}
	}
}
