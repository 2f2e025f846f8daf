package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/bufferpool"
)

// MaxFrameSize bounds a single framed message; a peer advertising a
// larger length prefix is almost certainly desynchronized or hostile.
const MaxFrameSize = 16 * 1024 * 1024

// lengthPrefixSize is the on-wire size of a frame's length prefix.
const lengthPrefixSize = 4

// prefixPool recycles the small fixed-size buffers used to read and
// write frame length prefixes, the same pattern the teacher's
// bufferpool was built for: many short-lived, equally-sized buffers
// instead of one allocation per frame.
var prefixPool = bufferpool.New(64, lengthPrefixSize)

// WriteFrame JSON-encodes v and writes it to w as one length-delimited
// frame: a 4-byte big-endian length prefix followed by the JSON bytes.
func WriteFrame(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: encode frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("protocol: frame of %d bytes exceeds max %d", len(payload), MaxFrameSize)
	}

	prefix := prefixPool.Take()
	prefix.Write(make([]byte, lengthPrefixSize))
	binary.BigEndian.PutUint32(prefix.Bytes(), uint32(len(payload)))
	_, err = w.Write(prefix.Bytes())
	prefixPool.Give(prefix)
	if err != nil {
		return fmt.Errorf("protocol: write length prefix: %w", err)
	}

	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-delimited frame from r and JSON-decodes it
// into v.
func ReadFrame(r io.Reader, v interface{}) error {
	prefix := prefixPool.Take()
	prefix.Write(make([]byte, lengthPrefixSize))
	if _, err := io.ReadFull(r, prefix.Bytes()); err != nil {
		prefixPool.Give(prefix)
		return err
	}
	size := binary.BigEndian.Uint32(prefix.Bytes())
	prefixPool.Give(prefix)

	if size > MaxFrameSize {
		return fmt.Errorf("protocol: frame of %d bytes exceeds max %d", size, MaxFrameSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("protocol: read frame body: %w", err)
	}
	return json.Unmarshal(body, v)
}

// ReadRequest and ReadResponse are ReadFrame specialized to the two
// envelope types, so callers don't repeat the zero-value allocation.
func ReadRequest(r io.Reader) (*Request, error) {
	var req Request
	if err := ReadFrame(r, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func ReadResponse(r io.Reader) (*Response, error) {
	var resp Response
	if err := ReadFrame(r, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
