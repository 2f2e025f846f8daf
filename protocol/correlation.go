package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/errors"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/log"
)

// CorrelationTable maps request_id to the completion handle awaiting its
// response. request_id is the sole correlation key (§5): transport-level
// stream handles are never stable enough to key by, since they don't
// survive serialization or reconnection.
type CorrelationTable struct {
	mu      sync.Mutex
	pending map[string]chan *Response
}

// NewCorrelationTable constructs an empty table.
func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{pending: make(map[string]chan *Response)}
}

// Register reserves a slot for requestID and returns the channel its
// eventual response (or a synthesized Unavailable from FailAllForPeer)
// will be delivered on; a timeout is reported by Await's error instead.
// Register panics if requestID is already pending: request_id must be
// unique per in-flight exchange (§4.C6).
func (t *CorrelationTable) Register(requestID string) chan *Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pending[requestID]; exists {
		panic("protocol: request_id already pending: " + requestID)
	}
	ch := make(chan *Response, 1)
	t.pending[requestID] = ch
	return ch
}

// Resolve delivers resp to its waiter, if any still exists. A response
// whose request_id has no registered waiter (already timed out, or
// never sent by this process) is logged and dropped, per §4.C5.
func (t *CorrelationTable) Resolve(resp *Response) {
	t.mu.Lock()
	ch, ok := t.pending[resp.RequestID]
	if ok {
		delete(t.pending, resp.RequestID)
	}
	t.mu.Unlock()

	if !ok {
		log.Warn("protocol: response for unknown request_id dropped", log.Fields{"request_id": resp.RequestID})
		return
	}
	ch <- resp
}

// Forget removes requestID's entry without delivering anything, used
// when a caller gives up waiting (deadline/cancellation) so a late
// response is dropped via the unknown-request_id path instead of
// blocking forever on a full channel.
func (t *CorrelationTable) Forget(requestID string) {
	t.mu.Lock()
	delete(t.pending, requestID)
	t.mu.Unlock()
}

// Await blocks for ch to deliver a response, ctx to be canceled, or
// timeout to elapse, whichever comes first. On timeout or cancellation
// it forgets requestID and returns a Timeout error so callers never
// leak a pending correlation entry.
func (t *CorrelationTable) Await(ctx context.Context, requestID string, ch chan *Response, timeout time.Duration) (*Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		t.Forget(requestID)
		return nil, errors.New(errors.Timeout, "no response for "+requestID+" within "+timeout.String())
	case <-ctx.Done():
		t.Forget(requestID)
		return nil, errors.New(errors.Timeout, "request "+requestID+" canceled: "+ctx.Err().Error())
	}
}

// FailAllForPeer resolves every pending correlation whose RequestID
// matches reports true for with a synthesized Unavailable response, used
// when a transport-level failure (peer gone, reset) makes it certain no
// real response is coming (§7 propagation policy).
func (t *CorrelationTable) FailAllForPeer(peerID string, matches func(requestID string) bool) {
	t.mu.Lock()
	var toFail []string
	for id := range t.pending {
		if matches(id) {
			toFail = append(toFail, id)
		}
	}
	t.mu.Unlock()

	for _, id := range toFail {
		t.mu.Lock()
		ch, ok := t.pending[id]
		if ok {
			delete(t.pending, id)
		}
		t.mu.Unlock()
		if ok {
			ch <- &Response{RequestID: id, To: peerID, Status: Failure, ErrorKind: string(errors.Unavailable), Error: "peer connection lost"}
		}
	}
}

// Len reports the number of currently pending correlations, used by
// tests and metrics.
func (t *CorrelationTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
