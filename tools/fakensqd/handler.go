package main

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
)

const (
	frameTypeResponse int32 = 0
	frameTypeError    int32 = 1
	frameTypeMessage  int32 = 2
)

// identifyRequest is the negotiation payload consumers send.
type identifyRequest struct {
	ClientID           string `json:"client_id"`
	Hostname           string `json:"hostname"`
	FeatureNegotiation bool   `json:"feature_negotiation"`
	HeartbeatInterval  int64  `json:"heartbeat_interval"`
	Snappy             bool   `json:"snappy"`
	Deflate            bool   `json:"deflate"`
	DeflateLevel       int    `json:"deflate_level"`
	UserAgent          string `json:"user_agent"`
}

// identifyResponse is the capability payload returned when feature
// negotiation is requested.
type identifyResponse struct {
	MaxRdyCount         int64  `json:"max_rdy_count"`
	Version             string `json:"version"`
	MsgTimeout          int64  `json:"msg_timeout"`
	MaxMsgTimeout       int64  `json:"max_msg_timeout"`
	TLSV1               bool   `json:"tls_v1"`
	Snappy              bool   `json:"snappy"`
	Deflate             bool   `json:"deflate"`
	DeflateLevel        int    `json:"deflate_level"`
	AuthRequired        bool   `json:"auth_required"`
	OutputBufferSize    int64  `json:"output_buffer_size"`
	OutputBufferTimeout int64  `json:"output_buffer_timeout"`
}

// clientConn is one consumer or producer connection. It implements
// subscriber so a channel can push messages at it; all socket writes go
// through a single mutex because the channel dispatcher, the heartbeat
// ticker, and the command reader write concurrently.
type clientConn struct {
	conn     net.Conn
	registry *topicRegistry

	writeLock sync.Mutex
	writer    io.Writer
	flush     func() error

	rdy         atomic.Int64
	activity    atomic.Bool
	dead        atomic.Bool
	authorized  bool
	heartbeatMs int64

	subscribed *channel
}

func (client *clientConn) credit() int64 { return client.rdy.Load() }

func (client *clientConn) consumeCredit() { client.rdy.Add(-1) }

func (client *clientConn) send(msg *daemonMessage) bool {
	if client.dead.Load() {
		return false
	}
	payload := make([]byte, 26+len(msg.body))
	binary.BigEndian.PutUint64(payload[:8], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint16(payload[8:10], msg.attempts)
	copy(payload[10:26], msg.id[:])
	copy(payload[26:], msg.body)
	return client.writeFrame(frameTypeMessage, payload) == nil
}

func (client *clientConn) writeFrame(frameType int32, data []byte) error {
	client.writeLock.Lock()
	defer client.writeLock.Unlock()

	var header [8]byte
	binary.BigEndian.PutUint32(header[:4], uint32(4+len(data)))
	binary.BigEndian.PutUint32(header[4:8], uint32(frameType))
	if _, err := client.writer.Write(header[:]); err != nil {
		client.dead.Store(true)
		return err
	}
	if _, err := client.writer.Write(data); err != nil {
		client.dead.Store(true)
		return err
	}
	if client.flush != nil {
		if err := client.flush(); err != nil {
			client.dead.Store(true)
			return err
		}
	}
	return nil
}

func (client *clientConn) respond(data []byte) error {
	return client.writeFrame(frameTypeResponse, data)
}

func (client *clientConn) fail(text string) error {
	_ = client.writeFrame(frameTypeError, []byte(text))
	return fmt.Errorf("%s", text)
}

// heartbeatLoop probes liveness on the negotiated interval. A connection
// that stays silent across hb-grace consecutive probes is dropped.
func (client *clientConn) heartbeatLoop(done <-chan struct{}) {
	ticker := time.NewTicker(time.Duration(client.heartbeatMs) * time.Millisecond)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if client.activity.Swap(false) {
				missed = 0
			} else {
				missed++
				if missed >= *flagHBGrace {
					log.Printf("fakensqd: %s missed %d heartbeats, dropping", client.conn.RemoteAddr(), missed)
					client.dead.Store(true)
					_ = client.conn.Close()
					return
				}
			}
			if client.writeFrame(frameTypeResponse, []byte("_heartbeat_")) != nil {
				return
			}
		}
	}
}

func handleConn(conn net.Conn, registry *topicRegistry) {
	defer func() { _ = conn.Close() }()

	client := &clientConn{
		conn:        conn,
		registry:    registry,
		writer:      conn,
		heartbeatMs: 30000,
	}

	var reader io.Reader = conn
	lineReader := bufio.NewReader(reader)

	magic := make([]byte, 4)
	if _, err := io.ReadFull(lineReader, magic); err != nil || string(magic) != "  V2" {
		_ = client.fail("E_BAD_PROTOCOL")
		return
	}

	heartbeatDone := make(chan struct{})
	heartbeatStarted := false
	defer func() {
		close(heartbeatDone)
		if client.subscribed != nil {
			client.subscribed.unsubscribe(client)
		}
	}()

	readBody := func() ([]byte, error) {
		var sizeBytes [4]byte
		if _, err := io.ReadFull(lineReader, sizeBytes[:]); err != nil {
			return nil, err
		}
		size := int(binary.BigEndian.Uint32(sizeBytes[:]))
		if size > *flagMaxFrame {
			return nil, client.fail("E_BAD_BODY body too large")
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(lineReader, body); err != nil {
			return nil, err
		}
		return body, nil
	}

	for {
		line, err := lineReader.ReadString('\n')
		if err != nil {
			return
		}
		client.activity.Store(true)
		fields := strings.Fields(strings.TrimSuffix(line, "\n"))
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "IDENTIFY":
			body, err := readBody()
			if err != nil {
				return
			}
			request := identifyRequest{HeartbeatInterval: 30000}
			if err := json.Unmarshal(body, &request); err != nil {
				_ = client.fail("E_BAD_BODY IDENTIFY failed to decode JSON")
				return
			}
			if request.HeartbeatInterval != 0 {
				client.heartbeatMs = request.HeartbeatInterval
			}

			if !request.FeatureNegotiation {
				if client.respond([]byte("OK")) != nil {
					return
				}
			} else {
				response, _ := json.Marshal(&identifyResponse{
					MaxRdyCount:   *flagMaxRdy,
					Version:       *flagVersion,
					MsgTimeout:    (*flagMsgTimeout).Milliseconds(),
					MaxMsgTimeout: (15 * time.Minute).Milliseconds(),
					Snappy:        request.Snappy,
					Deflate:       request.Deflate,
					DeflateLevel:  request.DeflateLevel,
					AuthRequired:  *flagAuth != "",
				})
				if client.respond(response) != nil {
					return
				}

				// Compression upgrades replace both stream halves before
				// the acknowledging OK.
				if request.Snappy {
					client.writeLock.Lock()
					snappyWriter := snappy.NewBufferedWriter(client.writer)
					client.writer = snappyWriter
					client.flush = snappyWriter.Flush
					client.writeLock.Unlock()
					lineReader = bufio.NewReader(snappy.NewReader(lineReader))
					if client.respond([]byte("OK")) != nil {
						return
					}
				} else if request.Deflate {
					level := request.DeflateLevel
					if level < 1 || level > 9 {
						level = 6
					}
					client.writeLock.Lock()
					flateWriter, _ := flate.NewWriter(client.writer, level)
					client.writer = flateWriter
					client.flush = flateWriter.Flush
					client.writeLock.Unlock()
					lineReader = bufio.NewReader(flate.NewReader(lineReader))
					if client.respond([]byte("OK")) != nil {
						return
					}
				}
			}

			if client.heartbeatMs > 0 && !heartbeatStarted {
				heartbeatStarted = true
				go client.heartbeatLoop(heartbeatDone)
			}

		case "AUTH":
			body, err := readBody()
			if err != nil {
				return
			}
			if *flagAuth == "" {
				_ = client.fail("E_INVALID AUTH not required")
				return
			}
			if string(body) != *flagAuth {
				_ = client.fail("E_AUTH_FAILED")
				return
			}
			client.authorized = true
			identity, _ := json.Marshal(map[string]interface{}{
				"identity":     "fakensqd-consumer",
				"identity_url": "",
				"permissions":  []string{"subscribe", "publish"},
			})
			if client.respond(identity) != nil {
				return
			}

		case "SUB":
			if len(fields) != 3 {
				_ = client.fail("E_INVALID SUB requires topic and channel")
				return
			}
			if *flagAuth != "" && !client.authorized {
				_ = client.fail("E_AUTH_FAILED SUB requires auth")
				return
			}
			if client.subscribed != nil {
				_ = client.fail("E_INVALID cannot SUB twice")
				return
			}
			if !validName(fields[1]) || !validName(fields[2]) {
				_ = client.fail("E_BAD_TOPIC invalid name")
				return
			}
			if client.respond([]byte("OK")) != nil {
				return
			}
			client.subscribed = registry.topic(fields[1]).channel(fields[2])
			client.subscribed.subscribe(client)

		case "RDY":
			if client.subscribed == nil {
				_ = client.fail("E_INVALID RDY before SUB")
				return
			}
			count, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil || count < 0 || count > *flagMaxRdy {
				_ = client.fail("E_INVALID RDY count out of range")
				return
			}
			client.rdy.Store(count)
			client.subscribed.dispatch()

		case "FIN":
			if !client.settle(fields, func(id [16]byte) bool { return client.subscribed.finish(id) }) {
				_ = client.fail("E_FIN_FAILED unknown message")
				return
			}

		case "REQ":
			if client.subscribed == nil || len(fields) != 3 {
				_ = client.fail("E_INVALID bad REQ")
				return
			}
			delayMs, err := strconv.ParseInt(fields[2], 10, 64)
			if err != nil || delayMs < 0 {
				_ = client.fail("E_INVALID bad REQ delay")
				return
			}
			delay := time.Duration(delayMs) * time.Millisecond
			if !client.settle(fields[:2], func(id [16]byte) bool { return client.subscribed.requeue(id, delay) }) {
				_ = client.fail("E_REQ_FAILED unknown message")
				return
			}

		case "TOUCH":
			if !client.settle(fields, func(id [16]byte) bool { return client.subscribed.touch(id) }) {
				_ = client.fail("E_TOUCH_FAILED unknown message")
				return
			}

		case "PUB":
			if len(fields) != 2 || !validName(fields[1]) {
				_ = client.fail("E_BAD_TOPIC invalid PUB topic")
				return
			}
			body, err := readBody()
			if err != nil {
				return
			}
			// Acknowledge before fan-out so a slow subscriber cannot stall
			// the producer's response.
			if client.respond([]byte("OK")) != nil {
				return
			}
			registry.topic(fields[1]).publish(body)
			globalMessagesPublished.Add(1)

		case "MPUB":
			if len(fields) != 2 || !validName(fields[1]) {
				_ = client.fail("E_BAD_TOPIC invalid MPUB topic")
				return
			}
			body, err := readBody()
			if err != nil {
				return
			}
			bodies, ok := splitMultiBody(body)
			if !ok {
				_ = client.fail("E_BAD_BODY MPUB failed to decode")
				return
			}
			if client.respond([]byte("OK")) != nil {
				return
			}
			t := registry.topic(fields[1])
			for _, one := range bodies {
				t.publish(one)
				globalMessagesPublished.Add(1)
			}

		case "NOP":
			// Liveness already recorded above.

		case "CLS":
			client.rdy.Store(0)
			_ = client.respond([]byte("CLOSE_WAIT"))
			return

		default:
			_ = client.fail("E_INVALID unknown command " + fields[0])
			return
		}
	}
}

// settle parses the message id param and applies op to it.
func (client *clientConn) settle(fields []string, op func([16]byte) bool) bool {
	if client.subscribed == nil || len(fields) != 2 || len(fields[1]) != 16 {
		return false
	}
	var id [16]byte
	copy(id[:], fields[1])
	return op(id)
}

// validName mirrors nsqd's topic/channel name rule: 1-64 word characters,
// with an optional #ephemeral suffix.
func validName(name string) bool {
	base := strings.TrimSuffix(name, "#ephemeral")
	if len(base) == 0 || len(base) > 64 {
		return false
	}
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// splitMultiBody decodes an MPUB body: count(4) then size(4)+body per
// message.
func splitMultiBody(body []byte) ([][]byte, bool) {
	if len(body) < 4 {
		return nil, false
	}
	count := int(binary.BigEndian.Uint32(body[:4]))
	rest := body[4:]

	bodies := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if len(rest) < 4 {
			return nil, false
		}
		size := int(binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
		if len(rest) < size {
			return nil, false
		}
		bodies = append(bodies, rest[:size])
		rest = rest[size:]
	}
	if len(rest) != 0 {
		return nil, false
	}
	return bodies, true
}
