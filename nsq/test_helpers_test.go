package nsq

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
)

const testWaitTimeout = 3 * time.Second

// frameBytes encodes one wire frame: size(4) | frameType(4) | data.
func frameBytes(frameType int32, data []byte) []byte {
	frame := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(frame[:4], uint32(4+len(data)))
	binary.BigEndian.PutUint32(frame[4:8], uint32(frameType))
	copy(frame[8:], data)
	return frame
}

// messagePayload encodes a delivered message body:
// timestamp(8) | attempts(2) | id(16) | body.
func messagePayload(timestamp int64, attempts uint16, id string, body []byte) []byte {
	payload := make([]byte, messageHeaderLength+len(body))
	binary.BigEndian.PutUint64(payload[:8], uint64(timestamp))
	binary.BigEndian.PutUint16(payload[8:10], attempts)
	copy(payload[10:26], id)
	copy(payload[26:], body)
	return payload
}

func testMessageID(id string) MessageID {
	var messageID MessageID
	copy(messageID[:], id)
	return messageID
}

// waitFor polls a condition until it holds or the wait timeout elapses.
func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(testWaitTimeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeDaemon is a scripted in-process nsqd listener. It answers the
// handshake, records every command line it receives, and lets tests push
// frames at the connected client.
type fakeDaemon struct {
	t        *testing.T
	listener net.Listener

	authRequired bool
	secret       string
	maxRdyCount  int64
	snappy       bool
	deflate      bool

	lock     sync.Mutex
	commands []string
	conn     net.Conn
	writer   io.Writer
	flush    func() error
	subs     int

	wg sync.WaitGroup
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	daemon := &fakeDaemon{
		t:           t,
		listener:    listener,
		maxRdyCount: 2500,
	}

	daemon.wg.Add(1)
	go daemon.acceptLoop()

	return daemon
}

func (daemon *fakeDaemon) addr() string {
	return daemon.listener.Addr().String()
}

func (daemon *fakeDaemon) stop() {
	_ = daemon.listener.Close()
	daemon.lock.Lock()
	if daemon.conn != nil {
		_ = daemon.conn.Close()
	}
	daemon.lock.Unlock()
	daemon.wg.Wait()
}

func (daemon *fakeDaemon) acceptLoop() {
	defer daemon.wg.Done()

	for {
		conn, err := daemon.listener.Accept()
		if err != nil {
			return
		}
		daemon.wg.Add(1)
		go func() {
			defer daemon.wg.Done()
			daemon.serve(conn)
		}()
	}
}

func (daemon *fakeDaemon) record(line string) {
	daemon.lock.Lock()
	daemon.commands = append(daemon.commands, line)
	daemon.lock.Unlock()
}

func (daemon *fakeDaemon) received() []string {
	daemon.lock.Lock()
	defer daemon.lock.Unlock()
	return append([]string(nil), daemon.commands...)
}

func (daemon *fakeDaemon) receivedCount(prefix string) int {
	count := 0
	for _, line := range daemon.received() {
		if strings.HasPrefix(line, prefix) {
			count++
		}
	}
	return count
}

func (daemon *fakeDaemon) hasCommand(prefix string) bool {
	return daemon.receivedCount(prefix) > 0
}

// subscriptions returns how many SUB commands completed, across all
// connections the daemon has served.
func (daemon *fakeDaemon) subscriptions() int {
	daemon.lock.Lock()
	defer daemon.lock.Unlock()
	return daemon.subs
}

func (daemon *fakeDaemon) send(frame []byte) {
	daemon.lock.Lock()
	defer daemon.lock.Unlock()
	if daemon.writer == nil {
		daemon.t.Errorf("send before connection established")
		return
	}
	if _, err := daemon.writer.Write(frame); err != nil {
		return
	}
	if daemon.flush != nil {
		_ = daemon.flush()
	}
}

func (daemon *fakeDaemon) sendHeartbeat() {
	daemon.send(frameBytes(FrameTypeResponse, []byte("_heartbeat_")))
}

func (daemon *fakeDaemon) publish(id string, attempts uint16, body []byte) {
	payload := messagePayload(time.Now().UnixNano(), attempts, id, body)
	daemon.send(frameBytes(FrameTypeMessage, payload))
}

func (daemon *fakeDaemon) sendError(text string) {
	daemon.send(frameBytes(FrameTypeError, []byte(text)))
}

// dropConn closes the active connection without protocol ceremony,
// simulating a daemon crash.
func (daemon *fakeDaemon) dropConn() {
	daemon.lock.Lock()
	defer daemon.lock.Unlock()
	if daemon.conn != nil {
		_ = daemon.conn.Close()
	}
}

func (daemon *fakeDaemon) serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	var reader io.Reader = bufio.NewReader(conn)
	var writer io.Writer = conn
	var flush func() error

	daemon.lock.Lock()
	daemon.conn = conn
	daemon.writer = writer
	daemon.flush = nil
	daemon.lock.Unlock()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(reader, magic); err != nil || string(magic) != "  V2" {
		return
	}

	setIO := func(r io.Reader, w io.Writer, f func() error) {
		reader = r
		daemon.lock.Lock()
		daemon.writer = w
		daemon.flush = f
		daemon.lock.Unlock()
		writer = w
		flush = f
	}
	respond := func(data []byte) {
		_, _ = writer.Write(frameBytes(FrameTypeResponse, data))
		if flush != nil {
			_ = flush()
		}
	}

	lineReader := bufio.NewReader(reader)
	readLine := func() (string, bool) {
		line, err := lineReader.ReadString('\n')
		if err != nil {
			return "", false
		}
		return strings.TrimSuffix(line, "\n"), true
	}
	readBody := func() ([]byte, bool) {
		var sizeBytes [4]byte
		if _, err := io.ReadFull(lineReader, sizeBytes[:]); err != nil {
			return nil, false
		}
		body := make([]byte, binary.BigEndian.Uint32(sizeBytes[:]))
		if _, err := io.ReadFull(lineReader, body); err != nil {
			return nil, false
		}
		return body, true
	}

	for {
		line, ok := readLine()
		if !ok {
			return
		}
		daemon.record(line)
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "IDENTIFY":
			body, ok := readBody()
			if !ok {
				return
			}
			var identify map[string]interface{}
			if err := json.Unmarshal(body, &identify); err != nil {
				daemon.sendError("E_BAD_BODY")
				return
			}
			if negotiate, _ := identify["feature_negotiation"].(bool); !negotiate {
				respond([]byte("OK"))
				continue
			}
			negotiated, _ := json.Marshal(map[string]interface{}{
				"max_rdy_count": daemon.maxRdyCount,
				"version":       "1.2.1",
				"msg_timeout":   60000,
				"auth_required": daemon.authRequired,
				"snappy":        daemon.snappy,
				"deflate":       daemon.deflate,
				"deflate_level": 6,
			})
			respond(negotiated)

			if daemon.snappy {
				snappyWriter := snappy.NewBufferedWriter(writer)
				setIO(snappy.NewReader(lineReader), snappyWriter, snappyWriter.Flush)
				lineReader = bufio.NewReader(reader)
				respond([]byte("OK"))
			}
			if daemon.deflate {
				flateWriter, _ := flate.NewWriter(writer, 6)
				setIO(flate.NewReader(lineReader), flateWriter, flateWriter.Flush)
				lineReader = bufio.NewReader(reader)
				respond([]byte("OK"))
			}

		case "AUTH":
			body, ok := readBody()
			if !ok {
				return
			}
			if daemon.secret != "" && string(body) != daemon.secret {
				_, _ = writer.Write(frameBytes(FrameTypeError, []byte("E_AUTH_FAILED")))
				if flush != nil {
					_ = flush()
				}
				return
			}
			identity, _ := json.Marshal(map[string]interface{}{"identity": "test-consumer"})
			respond(identity)

		case "SUB":
			respond([]byte("OK"))
			daemon.lock.Lock()
			daemon.subs++
			daemon.lock.Unlock()

		case "CLS":
			respond([]byte("CLOSE_WAIT"))
			return

		case "RDY", "FIN", "REQ", "TOUCH", "NOP":
			// Recorded above; no response on the wire.

		default:
			daemon.sendError("E_INVALID")
			return
		}
	}
}

// closeCounter is a Handler that counts lifecycle callbacks.
type closeCounter struct {
	lock        sync.Mutex
	handled     []*Message
	closed      int
	maxAttempts int
	onMessage   func(msg *Message, ctx *Context) error
}

func (handler *closeCounter) HandleMessage(msg *Message, ctx *Context) error {
	handler.lock.Lock()
	handler.handled = append(handler.handled, msg)
	handler.lock.Unlock()
	if handler.onMessage != nil {
		return handler.onMessage(msg, ctx)
	}
	ctx.Finish(msg.ID)
	return nil
}

func (handler *closeCounter) OnMaxAttempts(msg *Message, ctx *Context) {
	handler.lock.Lock()
	handler.maxAttempts++
	handler.lock.Unlock()
	ctx.Finish(msg.ID)
}

func (handler *closeCounter) OnClose(ctx *Context) {
	handler.lock.Lock()
	handler.closed++
	handler.lock.Unlock()
}

func (handler *closeCounter) closeCount() int {
	handler.lock.Lock()
	defer handler.lock.Unlock()
	return handler.closed
}

func (handler *closeCounter) handledCount() int {
	handler.lock.Lock()
	defer handler.lock.Unlock()
	return len(handler.handled)
}

func (handler *closeCounter) maxAttemptsCount() int {
	handler.lock.Lock()
	defer handler.lock.Unlock()
	return handler.maxAttempts
}
