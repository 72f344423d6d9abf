// Package nativemsg implements the browser native-messaging protocol: JSON
// payloads framed by a 4-byte little-endian length prefix over the process's
// stdin and stdout, plus the bridge that routes decoded requests to the
// download manager.
package nativemsg

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"

	"github.com/hyperdm/hdm/internal/errors"
)

// ErrFrameTooLarge marks an inbound frame above the size limit. The codec
// discards the oversized payload to stay aligned with the stream, so the
// caller can answer with an error and keep reading.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Codec reads and writes length-prefixed frames. Reads are expected from a
// single goroutine; writes are serialized internally since responses and
// progress events come from different goroutines.
type Codec struct {
	r       io.Reader
	maxSize int

	writeMu sync.Mutex
	w       io.Writer
}

// NewCodec wraps a stream pair with a frame size limit.
func NewCodec(r io.Reader, w io.Writer, maxSize int) *Codec {
	if maxSize <= 0 {
		maxSize = 1024 * 1024
	}

	return &Codec{r: r, w: w, maxSize: maxSize}
}

// ReadFrame returns the payload of the next frame. io.EOF means the peer
// closed the stream cleanly between frames; a prefix cut short mid-frame
// surfaces as io.ErrUnexpectedEOF.
func (c *Codec) ReadFrame() ([]byte, error) {
	var prefix [4]byte

	if _, err := io.ReadFull(c.r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(prefix[:])

	if int64(length) > int64(c.maxSize) {
		// Drain the payload so the next read starts at a frame boundary.
		if _, err := io.CopyN(io.Discard, c.r, int64(length)); err != nil {
			return nil, err
		}

		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, err
	}

	return payload, nil
}

// WriteFrame marshals v and writes it as one frame. Safe for concurrent use.
func (c *Codec) WriteFrame(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.w.Write(prefix[:]); err != nil {
		return err
	}

	_, err = c.w.Write(payload)

	return err
}
