// Package wire implements the byte-stream framing for the chat protocol:
// one compact JSON message per frame, terminated by an optional CR then a
// mandatory LF, with hard bounds on frame size and on how much unframed
// input is ever retained.
package wire

import (
	"bytes"

	"jircd/internal/protocol"
)

const (
	// MaxFrame is the maximum size of one frame including its terminator.
	// The serialized message itself never exceeds protocol.MaxEncodedLen.
	MaxFrame = 1024

	// RWSize is the chunk size for socket reads and writes, sized to the
	// usual platform pipe buffer.
	RWSize = 4096
)

// Terminator ends every outbound frame.
var Terminator = []byte("\r\n")

// Frame serializes msg and appends the terminator. The returned error is a
// local programming error (invalid or oversized outbound message), never a
// wire condition.
func Frame(msg protocol.Message) ([]byte, error) {
	payload, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	return append(payload, Terminator...), nil
}

// Decoder converts a raw inbound byte stream into discrete frame payloads.
// It retains at most MaxFrame bytes of unframed input: junk without a
// terminator is truncated to the trailing window, and an oversized or
// malformed line is dropped through its terminator so the next complete
// frame resynchronizes the stream.
type Decoder struct {
	buf []byte
}

// Feed appends freshly read bytes to the retained buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of retained unframed bytes.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next returns the next complete frame payload, or ok=false when the
// retained buffer holds no complete frame. Empty frames are skipped and
// oversized or CR-corrupted lines are dropped silently.
func (d *Decoder) Next() (payload []byte, ok bool) {
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			if len(d.buf) > MaxFrame {
				d.buf = d.buf[len(d.buf)-MaxFrame:]
			}
			return nil, false
		}

		line := d.buf[:idx]
		d.buf = d.buf[idx+1:]
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 {
			continue
		}
		if len(line) > protocol.MaxEncodedLen || bytes.IndexByte(line, '\r') >= 0 {
			continue
		}

		out := make([]byte, len(line))
		copy(out, line)
		return out, true
	}
}
