package nsq

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Frame type values as they appear on the wire.
const (
	FrameTypeResponse int32 = 0
	FrameTypeError    int32 = 1
	FrameTypeMessage  int32 = 2
)

// maxFrameSize bounds a single inbound frame. nsqd's default max message
// size is 1 MiB; anything past this is a framing error, not a message.
const maxFrameSize = 16 * 1024 * 1024

var heartbeatBody = []byte("_heartbeat_")
var okBody = []byte("OK")
var closeWaitBody = []byte("CLOSE_WAIT")

// Frame is one decoded inbound protocol unit.
type Frame struct {
	Type int32
	Data []byte
}

// IsHeartbeat reports whether the frame is a daemon liveness probe.
func (frame *Frame) IsHeartbeat() bool {
	return frame.Type == FrameTypeResponse && bytes.Equal(frame.Data, heartbeatBody)
}

// IsOK reports whether the frame is a bare OK acknowledgment.
func (frame *Frame) IsOK() bool {
	return frame.Type == FrameTypeResponse && bytes.Equal(frame.Data, okBody)
}

// IsCloseWait reports whether the frame acknowledges a CLS command.
func (frame *Frame) IsCloseWait() bool {
	return frame.Type == FrameTypeResponse && bytes.Equal(frame.Data, closeWaitBody)
}

// ReadFrame decodes the next length-prefixed frame from the reader:
// size(4) | frameType(4) | data. Reads are exact, so no bytes beyond the
// frame are consumed — required for the mid-stream TLS and compression
// upgrades.
func ReadFrame(reader io.Reader) (*Frame, error) {
	var sizeBytes [4]byte
	if _, err := io.ReadFull(reader, sizeBytes[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(sizeBytes[:])
	if size < 4 || size > maxFrameSize {
		return nil, NewError(ProtocolError, "invalid frame size")
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(reader, data); err != nil {
		return nil, err
	}

	return &Frame{
		Type: int32(binary.BigEndian.Uint32(data[:4])),
		Data: data[4:],
	}, nil
}
