package main

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"testing"
	"time"
)

type testConsumer struct {
	t    *testing.T
	conn net.Conn
	rd   *bufio.Reader
}

func startConsumer(t *testing.T, registry *topicRegistry) *testConsumer {
	t.Helper()

	clientSide, daemonSide := net.Pipe()
	go handleConn(daemonSide, registry)
	t.Cleanup(func() {
		_ = clientSide.Close()
		_ = daemonSide.Close()
	})

	return &testConsumer{t: t, conn: clientSide, rd: bufio.NewReader(clientSide)}
}

func (consumer *testConsumer) sendLine(line string) {
	consumer.t.Helper()
	if _, err := consumer.conn.Write([]byte(line + "\n")); err != nil {
		consumer.t.Fatalf("write %q: %v", line, err)
	}
}

func (consumer *testConsumer) sendBody(body []byte) {
	consumer.t.Helper()
	var sizeBytes [4]byte
	binary.BigEndian.PutUint32(sizeBytes[:], uint32(len(body)))
	if _, err := consumer.conn.Write(append(sizeBytes[:], body...)); err != nil {
		consumer.t.Fatalf("write body: %v", err)
	}
}

func (consumer *testConsumer) readFrame() (int32, []byte) {
	consumer.t.Helper()
	var header [8]byte
	if _, err := io.ReadFull(consumer.rd, header[:]); err != nil {
		consumer.t.Fatalf("read frame header: %v", err)
	}
	size := binary.BigEndian.Uint32(header[:4])
	data := make([]byte, size-4)
	if _, err := io.ReadFull(consumer.rd, data); err != nil {
		consumer.t.Fatalf("read frame data: %v", err)
	}
	return int32(binary.BigEndian.Uint32(header[4:8])), data
}

func (consumer *testConsumer) expectResponse(want string) {
	consumer.t.Helper()
	frameType, data := consumer.readFrame()
	if frameType != frameTypeResponse {
		consumer.t.Fatalf("frame type = %d, want response (data %q)", frameType, data)
	}
	if string(data) != want {
		consumer.t.Fatalf("response = %q, want %q", data, want)
	}
}

// readMessage skips interleaved heartbeats and returns the next delivery.
func (consumer *testConsumer) readMessage() (attempts uint16, id string, body []byte) {
	consumer.t.Helper()
	for {
		frameType, data := consumer.readFrame()
		if frameType == frameTypeResponse && string(data) == "_heartbeat_" {
			consumer.sendLine("NOP")
			continue
		}
		if frameType != frameTypeMessage {
			consumer.t.Fatalf("frame type = %d, want message (data %q)", frameType, data)
		}
		if len(data) < 26 {
			consumer.t.Fatalf("message payload too short: %d bytes", len(data))
		}
		return binary.BigEndian.Uint16(data[8:10]), string(data[10:26]), data[26:]
	}
}

func (consumer *testConsumer) handshake(identify string) identifyResponse {
	consumer.t.Helper()
	if _, err := consumer.conn.Write([]byte("  V2")); err != nil {
		consumer.t.Fatalf("write magic: %v", err)
	}
	consumer.sendLine("IDENTIFY")
	consumer.sendBody([]byte(identify))

	frameType, data := consumer.readFrame()
	if frameType != frameTypeResponse {
		consumer.t.Fatalf("identify response frame type = %d", frameType)
	}
	var response identifyResponse
	if err := json.Unmarshal(data, &response); err != nil {
		consumer.t.Fatalf("identify response decode: %v (%q)", err, data)
	}
	return response
}

func TestHandshakeNegotiation(t *testing.T) {
	registry := newTopicRegistry(time.Minute)
	consumer := startConsumer(t, registry)

	response := consumer.handshake(`{"feature_negotiation":true,"heartbeat_interval":-1}`)
	if response.MaxRdyCount != *flagMaxRdy {
		t.Fatalf("max_rdy_count = %d, want %d", response.MaxRdyCount, *flagMaxRdy)
	}
	if response.AuthRequired {
		t.Fatal("auth_required set without -auth")
	}
}

func TestSubscribeAndDeliver(t *testing.T) {
	registry := newTopicRegistry(time.Minute)
	consumer := startConsumer(t, registry)
	consumer.handshake(`{"feature_negotiation":true,"heartbeat_interval":-1}`)

	consumer.sendLine("SUB orders archive")
	consumer.expectResponse("OK")
	consumer.sendLine("RDY 2")

	// Publishing delivers synchronously into the pipe, so it must not run
	// on the goroutine that reads the deliveries.
	go func() {
		registry.topic("orders").publish([]byte("first"))
		registry.topic("orders").publish([]byte("second"))
	}()

	attempts, firstID, body := consumer.readMessage()
	if attempts != 1 || string(body) != "first" {
		t.Fatalf("delivery = attempts %d body %q", attempts, body)
	}
	_, _, body = consumer.readMessage()
	if string(body) != "second" {
		t.Fatalf("second delivery body = %q", body)
	}

	consumer.sendLine("FIN " + firstID)
	consumer.sendLine("CLS")
	consumer.expectResponse("CLOSE_WAIT")
}

func TestRequeueIncrementsAttempts(t *testing.T) {
	registry := newTopicRegistry(time.Minute)
	consumer := startConsumer(t, registry)
	consumer.handshake(`{"feature_negotiation":true,"heartbeat_interval":-1}`)

	consumer.sendLine("SUB orders archive")
	consumer.expectResponse("OK")
	consumer.sendLine("RDY 5")

	go registry.topic("orders").publish([]byte("retry me"))

	attempts, id, _ := consumer.readMessage()
	if attempts != 1 {
		t.Fatalf("first delivery attempts = %d", attempts)
	}

	consumer.sendLine(fmt.Sprintf("REQ %s 0", id))

	attempts, redeliveredID, _ := consumer.readMessage()
	if attempts != 2 {
		t.Fatalf("redelivery attempts = %d", attempts)
	}
	if redeliveredID != id {
		t.Fatalf("redelivered id = %q, want %q", redeliveredID, id)
	}
}

func TestDeliveryWaitsForCredit(t *testing.T) {
	registry := newTopicRegistry(time.Minute)
	consumer := startConsumer(t, registry)
	consumer.handshake(`{"feature_negotiation":true,"heartbeat_interval":-1}`)

	consumer.sendLine("SUB orders archive")
	consumer.expectResponse("OK")

	registry.topic("orders").publish([]byte("held"))

	// No credit: the message must stay queued.
	time.Sleep(50 * time.Millisecond)
	queued, inFlight := registry.topic("orders").channel("archive").depth()
	if queued != 1 || inFlight != 0 {
		t.Fatalf("depth = %d queued %d in flight, want 1/0", queued, inFlight)
	}

	consumer.sendLine("RDY 1")
	_, _, body := consumer.readMessage()
	if string(body) != "held" {
		t.Fatalf("body = %q", body)
	}
}

func TestPubFeedsSubscriber(t *testing.T) {
	registry := newTopicRegistry(time.Minute)

	consumer := startConsumer(t, registry)
	consumer.handshake(`{"feature_negotiation":true,"heartbeat_interval":-1}`)
	consumer.sendLine("SUB orders archive")
	consumer.expectResponse("OK")
	consumer.sendLine("RDY 1")

	producer := startConsumer(t, registry)
	producer.handshake(`{"feature_negotiation":true,"heartbeat_interval":-1}`)
	producer.sendLine("PUB orders")
	producer.sendBody([]byte("from producer"))
	producer.expectResponse("OK")

	_, _, body := consumer.readMessage()
	if string(body) != "from producer" {
		t.Fatalf("body = %q", body)
	}
}

func TestAuthRequired(t *testing.T) {
	old := *flagAuth
	*flagAuth = "s3cret"
	defer func() { *flagAuth = old }()

	registry := newTopicRegistry(time.Minute)
	consumer := startConsumer(t, registry)

	response := consumer.handshake(`{"feature_negotiation":true,"heartbeat_interval":-1}`)
	if !response.AuthRequired {
		t.Fatal("auth_required not advertised")
	}

	consumer.sendLine("AUTH")
	consumer.sendBody([]byte("s3cret"))
	frameType, data := consumer.readFrame()
	if frameType != frameTypeResponse {
		t.Fatalf("auth response frame type = %d (%q)", frameType, data)
	}

	consumer.sendLine("SUB orders archive")
	consumer.expectResponse("OK")
}

func TestAuthRejectsBadSecret(t *testing.T) {
	old := *flagAuth
	*flagAuth = "s3cret"
	defer func() { *flagAuth = old }()

	registry := newTopicRegistry(time.Minute)
	consumer := startConsumer(t, registry)
	consumer.handshake(`{"feature_negotiation":true,"heartbeat_interval":-1}`)

	consumer.sendLine("AUTH")
	consumer.sendBody([]byte("wrong"))
	frameType, data := consumer.readFrame()
	if frameType != frameTypeError {
		t.Fatalf("frame type = %d, want error (%q)", frameType, data)
	}
}

func TestSplitMultiBody(t *testing.T) {
	encode := func(bodies ...[]byte) []byte {
		var out []byte
		var count [4]byte
		binary.BigEndian.PutUint32(count[:], uint32(len(bodies)))
		out = append(out, count[:]...)
		for _, body := range bodies {
			var size [4]byte
			binary.BigEndian.PutUint32(size[:], uint32(len(body)))
			out = append(out, size[:]...)
			out = append(out, body...)
		}
		return out
	}

	bodies, ok := splitMultiBody(encode([]byte("a"), []byte("bc")))
	if !ok || len(bodies) != 2 || string(bodies[0]) != "a" || string(bodies[1]) != "bc" {
		t.Fatalf("split = %v %q", ok, bodies)
	}

	if _, ok := splitMultiBody([]byte{0, 0}); ok {
		t.Fatal("accepted truncated count")
	}
	if _, ok := splitMultiBody(encode([]byte("a"))[:5]); ok {
		t.Fatal("accepted truncated body")
	}
}

func TestValidName(t *testing.T) {
	valid := []string{"orders", "orders#ephemeral", "a.b-c_d", "A1"}
	invalid := []string{"", "#ephemeral", "bad name", "топик", string(make([]byte, 65))}

	for _, name := range valid {
		if !validName(name) {
			t.Errorf("validName(%q) = false", name)
		}
	}
	for _, name := range invalid {
		if validName(name) {
			t.Errorf("validName(%q) = true", name)
		}
	}
}

func TestParsePumpSpec(t *testing.T) {
	topicName, interval, err := parsePumpSpec("orders:250ms")
	if err != nil || topicName != "orders" || interval != 250*time.Millisecond {
		t.Fatalf("parse = %q %v %v", topicName, interval, err)
	}

	if _, _, err := parsePumpSpec("orders"); err == nil {
		t.Fatal("accepted spec without interval")
	}
	if _, _, err := parsePumpSpec(":250ms"); err == nil {
		t.Fatal("accepted spec without topic")
	}
}
