package protocol

import (
	"context"
	"io"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/errors"
	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/log"
)

// Handler produces a command's result payload, or an error. Handlers
// should return an *errors.Error when they want a specific wire Kind;
// any other error is translated to a non-public Internal failure so
// detail never reaches the remote peer (§7).
type Handler func(ctx context.Context, req *Request) (map[string]interface{}, error)

// PreHook runs before a command's Handler, e.g. to enforce per-shard
// admission control (Overloaded) or update active_requests bookkeeping.
// Returning an error aborts dispatch without ever calling the Handler.
type PreHook func(ctx context.Context, req *Request) (context.Context, error)

// PostHook runs after a Handler (or a pre-hook failure) produced resp,
// e.g. to log a completed transaction (§4.C8) or adjust reputation.
type PostHook func(ctx context.Context, req *Request, resp *Response)

// Dispatcher routes validated command requests to registered handlers
// through a pre/post hook chain, the same shape as middleware.Logic's
// HandleAnnounce/AfterAnnounce split, generalized from two fixed
// request types to an open command vocabulary.
type Dispatcher struct {
	handlers  map[Command]Handler
	preHooks  []PreHook
	postHooks []PostHook
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Command]Handler)}
}

// Register binds a Handler to a Command, replacing any previous one.
func (d *Dispatcher) Register(cmd Command, h Handler) {
	d.handlers[cmd] = h
}

// Use appends pre-dispatch hooks, run in order before the Handler.
func (d *Dispatcher) Use(hooks ...PreHook) {
	d.preHooks = append(d.preHooks, hooks...)
}

// UsePost appends post-dispatch hooks, run in order after a response is
// produced (success, failure, or validation rejection alike).
func (d *Dispatcher) UsePost(hooks ...PostHook) {
	d.postHooks = append(d.postHooks, hooks...)
}

// Dispatch validates req, runs it through the hook chain and its
// registered Handler, and always returns a Response: it never returns a
// bare error, since an invalid or failing command must produce a
// Failure response rather than terminate the connection (§7).
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	if err := Validate(req); err != nil {
		resp := respondError(req, err)
		d.runPostHooks(ctx, req, resp)
		return resp
	}

	handler, ok := d.handlers[req.Command]
	if !ok {
		resp := Fail(req, string(errors.NotFound), "no handler registered for "+string(req.Command))
		d.runPostHooks(ctx, req, resp)
		return resp
	}

	for _, pre := range d.preHooks {
		var err error
		ctx, err = pre(ctx, req)
		if err != nil {
			resp := respondError(req, err)
			d.runPostHooks(ctx, req, resp)
			return resp
		}
	}

	result, err := handler(ctx, req)
	var resp *Response
	if err != nil {
		resp = respondError(req, err)
	} else {
		resp = Ok(req, result)
	}
	d.runPostHooks(ctx, req, resp)
	return resp
}

func (d *Dispatcher) runPostHooks(ctx context.Context, req *Request, resp *Response) {
	for _, post := range d.postHooks {
		post(ctx, req, resp)
	}
}

// respondError translates a Handler/hook error into a Failure response,
// collapsing anything that isn't a typed *errors.Error (or whose Kind
// isn't meant for public consumption) to a generic Internal message.
func respondError(req *Request, err error) *Response {
	typed, ok := errors.As(err)
	if !ok {
		log.Error("protocol: handler returned untyped error", log.Err(err))
		return Fail(req, string(errors.Internal), "internal error")
	}
	kind, msg := typed.Reply()
	return Fail(req, string(kind), msg)
}

// Serve reads framed Requests from rw, dispatches each one, and writes
// the Response back, until a read fails (peer closed the stream, or
// ctx was canceled). It is meant to run as the per-connection loop a
// transport stream handler hands a freshly-accepted stream to.
func (d *Dispatcher) Serve(ctx context.Context, rw io.ReadWriter) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		req, err := ReadRequest(rw)
		if err != nil {
			if err != io.EOF {
				log.Debug("protocol: read request failed", log.Err(err))
			}
			return
		}

		resp := d.Dispatch(ctx, req)
		if err := WriteFrame(rw, resp); err != nil {
			log.Warn("protocol: write response failed", log.Err(err))
			return
		}
	}
}
