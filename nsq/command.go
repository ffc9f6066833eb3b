package nsq

import (
	"encoding/binary"
	"io"
	"strconv"
	"time"
)

const (
	CommandMagic = iota
	CommandIdentify
	CommandAuth
	CommandSub
	CommandRdy
	CommandFin
	CommandReq
	CommandTouch
	CommandNop
	CommandCls
)

// magicV2 is the protocol version marker sent before any command. It is
// written raw, without the trailing newline commands carry.
var magicV2 = []byte("  V2")

var byteNewline = []byte("\n")
var byteSpace = []byte(" ")

// Command is one outbound protocol unit. Commands are immutable once
// constructed; ownership passes to the write queue.
type Command struct {
	kind   int
	name   []byte
	params [][]byte
	body   []byte
}

// Kind returns the command kind constant.
func (cmd *Command) Kind() int { return cmd.kind }

// String returns the command line without body, for logging.
func (cmd *Command) String() string {
	line := string(cmd.name)
	for _, param := range cmd.params {
		line += " " + string(param)
	}
	return line
}

// WriteTo serializes the command in wire format: the command line, then for
// body-carrying commands a 4-byte big-endian size prefix and the body.
func (cmd *Command) WriteTo(writer io.Writer) (total int64, err error) {
	if cmd.kind == CommandMagic {
		n, err := writer.Write(cmd.name)
		return int64(n), err
	}

	n, err := writer.Write(cmd.name)
	total += int64(n)
	if err != nil {
		return total, err
	}

	for _, param := range cmd.params {
		n, err = writer.Write(byteSpace)
		total += int64(n)
		if err != nil {
			return total, err
		}
		n, err = writer.Write(param)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}

	n, err = writer.Write(byteNewline)
	total += int64(n)
	if err != nil {
		return total, err
	}

	if cmd.body != nil {
		var sizeBytes [4]byte
		binary.BigEndian.PutUint32(sizeBytes[:], uint32(len(cmd.body)))
		n, err = writer.Write(sizeBytes[:])
		total += int64(n)
		if err != nil {
			return total, err
		}
		n, err = writer.Write(cmd.body)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// Magic returns the protocol version marker command.
func Magic() *Command {
	return &Command{kind: CommandMagic, name: magicV2}
}

// Identify returns an IDENTIFY command carrying the serialized negotiation
// payload.
func Identify(body []byte) *Command {
	return &Command{kind: CommandIdentify, name: []byte("IDENTIFY"), body: body}
}

// Auth returns an AUTH command carrying the configured secret.
func Auth(secret string) *Command {
	return &Command{kind: CommandAuth, name: []byte("AUTH"), body: []byte(secret)}
}

// Subscribe returns a SUB command for the topic/channel pair.
func Subscribe(topic string, channel string) *Command {
	params := [][]byte{[]byte(topic), []byte(channel)}
	return &Command{kind: CommandSub, name: []byte("SUB"), params: params}
}

// Ready returns an RDY command granting the daemon the given delivery
// credit.
func Ready(count int64) *Command {
	if count < 0 {
		count = 0
	}
	params := [][]byte{[]byte(strconv.FormatInt(count, 10))}
	return &Command{kind: CommandRdy, name: []byte("RDY"), params: params}
}

// Finish returns a FIN command acknowledging the message.
func Finish(id MessageID) *Command {
	params := [][]byte{id[:]}
	return &Command{kind: CommandFin, name: []byte("FIN"), params: params}
}

// Requeue returns a REQ command returning the message to the queue after
// the given delay.
func Requeue(id MessageID, delay time.Duration) *Command {
	if delay < 0 {
		delay = 0
	}
	params := [][]byte{id[:], []byte(strconv.FormatInt(delay.Milliseconds(), 10))}
	return &Command{kind: CommandReq, name: []byte("REQ"), params: params}
}

// Touch returns a TOUCH command resetting the message's server-side
// processing timeout.
func Touch(id MessageID) *Command {
	params := [][]byte{id[:]}
	return &Command{kind: CommandTouch, name: []byte("TOUCH"), params: params}
}

// Nop returns a NOP command, the reply to a daemon heartbeat.
func Nop() *Command {
	return &Command{kind: CommandNop, name: []byte("NOP")}
}

// Cls returns a CLS command initiating a clean close.
func Cls() *Command {
	return &Command{kind: CommandCls, name: []byte("CLS")}
}
