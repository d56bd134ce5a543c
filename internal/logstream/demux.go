package logstream

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
)

// StreamType identifies the source of a demultiplexed frame.
type StreamType byte

// Stream types per the daemon's log framing.
const (
	Stdin  StreamType = 0
	Stdout StreamType = 1
	Stderr StreamType = 2
)

// String returns the client-facing name of the stream.
func (s StreamType) String() string {
	switch s {
	case Stdin:
		return "stdin"
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	}
	return fmt.Sprintf("stream(%d)", byte(s))
}

// Frame is one complete demultiplexed log frame.
type Frame struct {
	Stream  StreamType
	Payload []byte
}

const headerLen = 8

// Demuxer decodes the daemon's multiplexed log framing: an 8-byte header
// (byte 0 stream type, bytes 1-3 zero, bytes 4-7 big-endian payload length)
// followed by the payload. Partial frames at chunk boundaries are buffered;
// a half-frame is never emitted.
type Demuxer struct {
	pending []byte
}

// Push appends a chunk and returns every frame completed by it, in daemon
// emission order.
func (d *Demuxer) Push(chunk []byte) []Frame {
	if len(chunk) > 0 {
		d.pending = append(d.pending, chunk...)
	}
	var frames []Frame
	for {
		if len(d.pending) < headerLen {
			return frames
		}
		size := binary.BigEndian.Uint32(d.pending[4:headerLen])
		total := headerLen + int(size)
		if len(d.pending) < total {
			return frames
		}
		payload := make([]byte, size)
		copy(payload, d.pending[headerLen:total])
		frames = append(frames, Frame{
			Stream:  StreamType(d.pending[0]),
			Payload: payload,
		})
		d.pending = d.pending[total:]
	}
}

// Buffered reports how many bytes of an incomplete frame are held back.
func (d *Demuxer) Buffered() int {
	return len(d.pending)
}

// Copy reads the multiplexed stream to EOF, invoking fn for each complete
// frame. It stops early when the context is cancelled or fn returns an
// error. A trailing partial frame is discarded at EOF.
func Copy(ctx context.Context, r io.Reader, fn func(Frame) error) error {
	var demux Demuxer
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			for _, frame := range demux.Push(buf[:n]) {
				if err := fn(frame); err != nil {
					return err
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
	}
}
