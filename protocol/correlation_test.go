package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/errors"
)

func TestCorrelationTableResolveDeliversToWaiter(t *testing.T) {
	table := NewCorrelationTable()
	ch := table.Register("req-1")

	table.Resolve(&Response{RequestID: "req-1", Status: Success})

	select {
	case resp := <-ch:
		if resp.RequestID != "req-1" {
			t.Fatalf("resp = %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("response was not delivered")
	}
	if table.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after resolve", table.Len())
	}
}

func TestCorrelationTableDropsUnknownRequestID(t *testing.T) {
	table := NewCorrelationTable()
	// Resolve with no registered waiter must not panic or block.
	table.Resolve(&Response{RequestID: "no-such-request"})
}

func TestAwaitTimesOutAndForgets(t *testing.T) {
	table := NewCorrelationTable()
	ch := table.Register("req-timeout")

	_, err := table.Await(context.Background(), "req-timeout", ch, 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	typed, ok := errors.As(err)
	if !ok || typed.Kind() != errors.Timeout {
		t.Fatalf("err = %v, want Timeout", err)
	}
	if table.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after timeout forgets the entry", table.Len())
	}
}

func TestAwaitRespectsContextCancellation(t *testing.T) {
	table := NewCorrelationTable()
	ch := table.Register("req-cancel")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := table.Await(ctx, "req-cancel", ch, time.Second)
	if err == nil {
		t.Fatal("expected an error for a canceled context")
	}
}

func TestRegisterPanicsOnDuplicateRequestID(t *testing.T) {
	table := NewCorrelationTable()
	table.Register("dup")
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic registering a duplicate request_id")
		}
	}()
	table.Register("dup")
}
