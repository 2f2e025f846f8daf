package protocol

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestClientCallRoundTripsThroughDispatcherServe(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	d := NewDispatcher()
	d.Register(GetCapabilities, func(ctx context.Context, req *Request) (map[string]interface{}, error) {
		return map[string]interface{}{"reputation": 0.9}, nil
	})
	go d.Serve(context.Background(), serverConn)

	client := NewClient(clientConn)
	resp, err := client.Call(context.Background(), &Request{Command: GetCapabilities, RequestID: "req-abc"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Status != Success || resp.Result["reputation"] != 0.9 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestClientCallTimesOutWithNoServer(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	// Drain whatever the client writes so Call's write doesn't block
	// net.Pipe's unbuffered send, but never reply.
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := serverConn.Read(buf); err != nil {
				return
			}
		}
	}()

	client := NewClient(clientConn)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Call(ctx, &Request{Command: GetCapabilities, RequestID: "req-xyz"})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}
