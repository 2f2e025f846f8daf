package protocol

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/log"
)

// Client multiplexes many concurrent command exchanges over a single
// connection: one background goroutine reads responses and resolves
// them against the CorrelationTable by request_id, while any number of
// callers may concurrently write requests and await their own response.
// This is the shape §5 describes for the correlation table (multiple
// writers, one reader per incoming response).
type Client struct {
	conn  io.ReadWriter
	table *CorrelationTable

	writeMu sync.Mutex
	done    chan struct{}
}

// NewClient wraps conn (typically a libp2p stream opened against
// transport.ProtocolCommand) and starts its background reader.
func NewClient(conn io.ReadWriter) *Client {
	c := &Client{
		conn:  conn,
		table: NewCorrelationTable(),
		done:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for {
		resp, err := ReadResponse(c.conn)
		if err != nil {
			if err != io.EOF {
				log.Debug("protocol: client read loop stopped", log.Err(err))
			}
			close(c.done)
			return
		}
		c.table.Resolve(resp)
	}
}

// Call sends req and blocks until its response arrives, ctx is
// canceled, or the command's default timeout (TimeoutFor) elapses.
func (c *Client) Call(ctx context.Context, req *Request) (*Response, error) {
	ch := c.table.Register(req.RequestID)

	c.writeMu.Lock()
	err := WriteFrame(c.conn, req)
	c.writeMu.Unlock()
	if err != nil {
		c.table.Forget(req.RequestID)
		return nil, fmt.Errorf("protocol: send %s: %w", req.RequestID, err)
	}

	return c.table.Await(ctx, req.RequestID, ch, TimeoutFor(req.Command))
}

// Closed reports a channel that closes once the client's read loop has
// observed the connection going away, so an owner can reap a Client
// whose underlying stream died without anyone calling Call.
func (c *Client) Closed() <-chan struct{} { return c.done }
