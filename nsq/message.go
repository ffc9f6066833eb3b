package nsq

import (
	"encoding/binary"
)

// MsgIDLength is the fixed length of an nsqd message ID.
const MsgIDLength = 16

// messageHeaderLength is timestamp(8) + attempts(2) + id(16).
const messageHeaderLength = 8 + 2 + MsgIDLength

// MessageID is the opaque token nsqd uses to identify an in-flight message.
type MessageID [MsgIDLength]byte

func (id MessageID) String() string { return string(id[:]) }

// Message is one delivered message record as handed to worker handlers.
// Attempts is incremented by the daemon on redelivery, never locally.
type Message struct {
	Timestamp int64
	Attempts  uint16
	ID        MessageID
	Body      []byte
}

// decodeMessage parses the payload of a message frame:
// timestamp(8, ns) | attempts(2) | id(16) | body.
func decodeMessage(data []byte) (*Message, error) {
	if len(data) < messageHeaderLength {
		return nil, NewError(ProtocolError, "message payload too short")
	}

	msg := &Message{
		Timestamp: int64(binary.BigEndian.Uint64(data[:8])),
		Attempts:  binary.BigEndian.Uint16(data[8:10]),
	}
	copy(msg.ID[:], data[10:messageHeaderLength])
	msg.Body = data[messageHeaderLength:]

	return msg, nil
}
