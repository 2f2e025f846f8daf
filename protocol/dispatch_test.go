package protocol

import (
	"bytes"
	"context"
	"testing"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/errors"
)

func TestDispatchRunsHandlerOnSuccess(t *testing.T) {
	d := NewDispatcher()
	d.Register(GetCapabilities, func(ctx context.Context, req *Request) (map[string]interface{}, error) {
		return map[string]interface{}{"cpu_cores": 8}, nil
	})

	resp := d.Dispatch(context.Background(), &Request{Command: GetCapabilities, RequestID: "r1"})
	if resp.Status != Success {
		t.Fatalf("status = %v, want Success", resp.Status)
	}
	if resp.Result["cpu_cores"] != 8 {
		t.Fatalf("result = %+v", resp.Result)
	}
}

func TestDispatchRejectsInvalidParamsWithoutCallingHandler(t *testing.T) {
	d := NewDispatcher()
	called := false
	d.Register(LoadShard, func(ctx context.Context, req *Request) (map[string]interface{}, error) {
		called = true
		return nil, nil
	})

	resp := d.Dispatch(context.Background(), &Request{Command: LoadShard, RequestID: "r1", Params: map[string]interface{}{}})
	if resp.Status != Failure || resp.ErrorKind != string(errors.InvalidParams) {
		t.Fatalf("resp = %+v, want InvalidParams failure", resp)
	}
	if called {
		t.Fatal("handler must not run when validation rejects the request")
	}
}

func TestDispatchTranslatesTypedHandlerError(t *testing.T) {
	d := NewDispatcher()
	d.Register(GetFileMetadata, func(ctx context.Context, req *Request) (map[string]interface{}, error) {
		return nil, errors.New(errors.NotFound, "no such file")
	})

	resp := d.Dispatch(context.Background(), &Request{Command: GetFileMetadata, RequestID: "r1", Params: map[string]interface{}{"info_hash": "abc"}})
	if resp.Status != Failure || resp.ErrorKind != string(errors.NotFound) || resp.Error != "no such file" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestDispatchCollapsesUntypedErrorToInternal(t *testing.T) {
	d := NewDispatcher()
	d.Register(ListFiles, func(ctx context.Context, req *Request) (map[string]interface{}, error) {
		return nil, context.DeadlineExceeded
	})

	resp := d.Dispatch(context.Background(), &Request{Command: ListFiles, RequestID: "r1"})
	if resp.Status != Failure || resp.ErrorKind != string(errors.Internal) {
		t.Fatalf("resp = %+v, want collapsed Internal failure", resp)
	}
	if resp.Error == context.DeadlineExceeded.Error() {
		t.Fatal("untyped error detail must not leak to the wire")
	}
}

func TestDispatchPreHookCanAbortBeforeHandler(t *testing.T) {
	d := NewDispatcher()
	called := false
	d.Use(func(ctx context.Context, req *Request) (context.Context, error) {
		return ctx, errors.New(errors.Overloaded, "queue full")
	})
	d.Register(ExecuteTask, func(ctx context.Context, req *Request) (map[string]interface{}, error) {
		called = true
		return nil, nil
	})

	resp := d.Dispatch(context.Background(), &Request{
		Command: ExecuteTask, RequestID: "r1",
		Params: map[string]interface{}{"task_type": "echo", "input_data": "x"},
	})
	if resp.ErrorKind != string(errors.Overloaded) {
		t.Fatalf("resp = %+v", resp)
	}
	if called {
		t.Fatal("handler must not run when a pre-hook rejects the request")
	}
}

func TestDispatchPostHookAlwaysRuns(t *testing.T) {
	d := NewDispatcher()
	var observed []Status
	d.UsePost(func(ctx context.Context, req *Request, resp *Response) {
		observed = append(observed, resp.Status)
	})
	d.Register(GetCapabilities, func(ctx context.Context, req *Request) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	})

	d.Dispatch(context.Background(), &Request{Command: GetCapabilities, RequestID: "r1"})
	d.Dispatch(context.Background(), &Request{Command: LoadShard, RequestID: "r2", Params: map[string]interface{}{}})

	if len(observed) != 2 || observed[0] != Success || observed[1] != Failure {
		t.Fatalf("observed = %v", observed)
	}
}

func TestServeRoundTripsOneRequestResponse(t *testing.T) {
	d := NewDispatcher()
	d.Register(GetCapabilities, func(ctx context.Context, req *Request) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	})

	var wire bytes.Buffer
	if err := WriteFrame(&wire, &Request{Command: GetCapabilities, RequestID: "r1"}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	conn := &loopback{in: &wire, out: &bytes.Buffer{}}
	d.Serve(context.Background(), conn)

	resp, err := ReadResponse(conn.out)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.Status != Success || resp.Result["ok"] != true {
		t.Fatalf("resp = %+v", resp)
	}
}

// loopback implements io.ReadWriter by reading from in and writing to
// out, letting a test drive Dispatcher.Serve without a real transport
// stream.
type loopback struct {
	in  *bytes.Buffer
	out *bytes.Buffer
}

func (l *loopback) Read(p []byte) (int, error)  { return l.in.Read(p) }
func (l *loopback) Write(p []byte) (int, error) { return l.out.Write(p) }
