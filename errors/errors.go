// Package errors defines the typed failures that cross the command
// protocol boundary. A command handler never returns a bare error to a
// dispatcher; it returns (or the dispatcher wraps it into) an *Error
// carrying one of the well-known Kinds so the Failure response sent back
// to a peer always has a stable, switchable error kind alongside the
// human-readable message.
package errors

// Kind enumerates the error kinds a command response can carry.
type Kind string

const (
	// InvalidParams means request validation rejected the command's params.
	InvalidParams Kind = "InvalidParams"
	// NotFound means an info_hash, shard_id, or file was unknown.
	NotFound Kind = "NotFound"
	// OutOfRange means a piece index exceeded the file's metadata.
	OutOfRange Kind = "OutOfRange"
	// Unavailable means the coordinator or target shard has no usable replica.
	Unavailable Kind = "Unavailable"
	// Timeout means a correlated response did not arrive within its deadline.
	Timeout Kind = "Timeout"
	// VerificationFailed means a piece or assembled-file hash did not match.
	VerificationFailed Kind = "VerificationFailed"
	// Overloaded means a shard's queue was at capacity.
	Overloaded Kind = "Overloaded"
	// Internal means an unanticipated local failure; detail is logged, not
	// necessarily surfaced to the remote peer.
	Internal Kind = "Internal"
)

// Error is the typed failure carried by a Failure response.
type Error struct {
	kind    Kind
	message string
	public  bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return string(e.kind) + ": " + e.message
}

// Kind returns the error's Kind.
func (e *Error) Kind() Kind {
	return e.kind
}

// Public reports whether Error() is safe to return verbatim to a remote
// peer. Internal errors are logged with full detail locally but collapsed
// to a generic message on the wire.
func (e *Error) Public() bool {
	return e.public
}

// New constructs a public Error of the given Kind.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, message: msg, public: true}
}

// NewInternal constructs a non-public Internal error. Callers should log
// the original error themselves; NewInternal exists to give the wire
// response a generic, safe message.
func NewInternal(msg string) *Error {
	return &Error{kind: Internal, message: msg, public: false}
}

// As reports whether err itself is an *Error and returns it. It does not
// unwrap: an *Error wrapped by another error (e.g. via fmt.Errorf's %w)
// is not found; the standard library's errors.As covers that case. This
// helper exists for the common single-level case used throughout the
// command dispatcher.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}

// Reply renders the error as the (kind, message) pair a Failure response
// wire-encodes. Non-public errors collapse to a generic message so internal
// detail never reaches a remote peer.
func (e *Error) Reply() (Kind, string) {
	if e.public {
		return e.kind, e.message
	}
	return e.kind, "internal error"
}
