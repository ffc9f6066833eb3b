package nsq

import (
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
	"go.uber.org/zap"
)

// ConnState is the handshake/runtime phase of a connection. States progress
// strictly forward except for the Started/Backoff/Resume cycle; Stopped is
// terminal.
type ConnState int32

const (
	StateIdentify ConnState = iota
	StateTLS
	StateAuth
	StateSubscribe
	StateRdy
	StateStarted
	StateBackoff
	StateResume
	StateStopped
)

func (state ConnState) String() string {
	switch state {
	case StateIdentify:
		return "identify"
	case StateTLS:
		return "tls"
	case StateAuth:
		return "auth"
	case StateSubscribe:
		return "subscribe"
	case StateRdy:
		return "rdy"
	case StateStarted:
		return "started"
	case StateBackoff:
		return "backoff"
	case StateResume:
		return "resume"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

const dialTimeout = 5 * time.Second

type flusher interface {
	Flush() error
}

// Conn owns one TCP session to one nsqd address: the socket, the handshake
// state, the RDY and in-flight counters, and the heartbeat bookkeeping.
// All mutating methods are invoked from a single goroutine (the Client
// loop); the counters are atomics only so observers can read them.
type Conn struct {
	addr   string
	config *Config
	logger *zap.Logger

	conn   net.Conn
	reader io.Reader
	writer io.Writer
	flush  func() error

	// rawConn is the socket as dialed, before any TLS wrap. It is written
	// once by Dial and never mutated, so other goroutines may close it to
	// interrupt a blocked read.
	rawConn net.Conn

	state    atomic.Int32
	rdy      atomic.Int64
	inFlight atomic.Int64

	// needResponse is true only between sending a command that expects a
	// reply and consuming that reply. At most one such command is ever
	// outstanding.
	needResponse bool
	heartbeat    bool

	nsqdConfig *NsqdConfig
}

func newConn(addr string, config *Config, logger *zap.Logger) *Conn {
	return &Conn{
		addr:   addr,
		config: config,
		logger: logger,
	}
}

// State returns the current handshake/runtime phase.
func (conn *Conn) State() ConnState { return ConnState(conn.state.Load()) }

func (conn *Conn) setState(state ConnState) { conn.state.Store(int32(state)) }

// Rdy returns the delivery credit most recently sent to the daemon. It
// mirrors what was sent, not a value the daemon reports.
func (conn *Conn) Rdy() int64 { return conn.rdy.Load() }

// InFlight returns the delivered-but-unacknowledged message count.
func (conn *Conn) InFlight() int64 { return conn.inFlight.Load() }

// NeedResponse reports whether a reply-expecting command is outstanding.
func (conn *Conn) NeedResponse() bool { return conn.needResponse }

// NsqdConfig returns the negotiated daemon capabilities, nil before the
// IDENTIFY response has been consumed.
func (conn *Conn) NsqdConfig() *NsqdConfig { return conn.nsqdConfig }

// Dial opens the TCP connection. No protocol bytes are exchanged yet.
func (conn *Conn) Dial() error {
	socket, err := net.DialTimeout("tcp", conn.addr, dialTimeout)
	if err != nil {
		return NewError(ConnectionRefusedError, err)
	}

	conn.conn = socket
	conn.rawConn = socket
	conn.reader = socket
	conn.writer = socket
	conn.setState(StateIdentify)

	return nil
}

// setReadDeadline bounds blocking reads on the underlying socket. A zero
// deadline removes the bound.
func (conn *Conn) setReadDeadline(deadline time.Time) {
	if conn.rawConn != nil {
		_ = conn.rawConn.SetReadDeadline(deadline)
	}
}

// closeSocket closes the underlying socket without touching any other
// connection state, failing any in-progress read or write.
func (conn *Conn) closeSocket() {
	if conn.rawConn != nil {
		_ = conn.rawConn.Close()
	}
}

// Close releases the socket and moves the connection to its terminal state.
func (conn *Conn) Close() error {
	conn.setState(StateStopped)
	if conn.conn == nil {
		return nil
	}
	err := conn.conn.Close()
	conn.conn = nil
	return err
}

// WriteCommand serializes one command to the socket. FIN and REQ settle an
// in-flight slot as a side effect, so the in-flight counter can never drift
// from what was actually sent.
func (conn *Conn) WriteCommand(cmd *Command) error {
	if conn.conn == nil {
		return NewError(DisconnectedError, "connection is closed")
	}

	if _, err := cmd.WriteTo(conn.writer); err != nil {
		return NewError(ConnectionError, err)
	}
	if conn.flush != nil {
		if err := conn.flush(); err != nil {
			return NewError(ConnectionError, err)
		}
	}

	switch cmd.Kind() {
	case CommandFin, CommandReq:
		conn.settleMessage()
	}

	return nil
}

// ReadFrame decodes the next inbound frame from the socket.
func (conn *Conn) ReadFrame() (*Frame, error) {
	return ReadFrame(conn.reader)
}

// deliveredMessage records a delivery into the in-flight window.
func (conn *Conn) deliveredMessage() {
	conn.inFlight.Add(1)
}

// settleMessage releases an in-flight slot. The counter never goes
// negative even if the daemon redelivers an already-settled id.
func (conn *Conn) settleMessage() {
	if conn.inFlight.Add(-1) < 0 {
		conn.inFlight.Store(0)
	}
}

func (conn *Conn) maxRdy() int64 {
	if conn.nsqdConfig == nil || conn.nsqdConfig.MaxRdyCount <= 0 {
		return defaultNsqdConfig().MaxRdyCount
	}
	return conn.nsqdConfig.MaxRdyCount
}

// Identify sends the protocol magic and the IDENTIFY negotiation payload,
// consumes the capability response, and performs any advertised TLS or
// compression upgrade before returning. A malformed response is fatal for
// the connection.
func (conn *Conn) Identify() (*NsqdConfig, error) {
	if err := conn.config.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(conn.config)
	if err != nil {
		return nil, NewError(InvalidConfigError, err)
	}

	if err := conn.WriteCommand(Magic()); err != nil {
		return nil, err
	}
	if err := conn.WriteCommand(Identify(body)); err != nil {
		return nil, err
	}
	conn.needResponse = true

	data, err := conn.readResponse()
	if err != nil {
		return nil, err
	}

	if !conn.config.FeatureNegotiation {
		conn.nsqdConfig = defaultNsqdConfig()
		return conn.nsqdConfig, nil
	}

	nsqdConfig := &NsqdConfig{}
	if err := json.Unmarshal(data, nsqdConfig); err != nil {
		return nil, NewError(ProtocolError, err)
	}
	conn.nsqdConfig = nsqdConfig
	conn.logger.Info("negotiated",
		zap.String("addr", conn.addr),
		zap.String("version", nsqdConfig.Version),
		zap.Int64("max_rdy_count", nsqdConfig.MaxRdyCount),
		zap.Bool("tls_v1", nsqdConfig.TLSV1),
		zap.Bool("auth_required", nsqdConfig.AuthRequired))

	// Upgrades happen on the same socket and must complete before any
	// further protocol command is sent.
	if nsqdConfig.TLSV1 {
		conn.setState(StateTLS)
		if err := conn.upgradeTLS(); err != nil {
			return nil, err
		}
	}
	if nsqdConfig.Snappy {
		if err := conn.upgradeSnappy(); err != nil {
			return nil, err
		}
	}
	if nsqdConfig.Deflate {
		if err := conn.upgradeDeflate(nsqdConfig.DeflateLevel); err != nil {
			return nil, err
		}
	}

	return nsqdConfig, nil
}

// Auth sends the configured secret and consumes the identity response.
func (conn *Conn) Auth(secret string) error {
	conn.setState(StateAuth)

	if err := conn.WriteCommand(Auth(secret)); err != nil {
		return err
	}
	conn.needResponse = true

	data, err := conn.readResponse()
	if err != nil {
		return NewError(AuthenticationError, err)
	}
	conn.logger.Info("authenticated", zap.String("addr", conn.addr), zap.ByteString("identity", data))

	conn.setState(StateSubscribe)
	return nil
}

// Subscribe binds the connection to the topic/channel pair. A response
// other than OK is fatal for the connection.
func (conn *Conn) Subscribe(topic string, channel string) error {
	conn.setState(StateSubscribe)

	if err := conn.WriteCommand(Subscribe(topic, channel)); err != nil {
		return err
	}
	conn.needResponse = true

	data, err := conn.readResponse()
	if err != nil {
		return err
	}
	if string(data) != "OK" {
		return NewError(ProtocolError, "unexpected subscribe response: "+string(data))
	}
	conn.logger.Info("subscribed", zap.String("addr", conn.addr), zap.String("topic", topic), zap.String("channel", channel))

	conn.setState(StateRdy)
	return nil
}

// Ready grants delivery credit to the daemon. The credit sent never exceeds
// the advertised maximum and is never raised past what the in-flight window
// leaves room for. The first Ready flips the connection into Started.
func (conn *Conn) Ready(count int64) error {
	if count < 0 {
		count = 0
	}
	if max := conn.maxRdy(); count > max {
		count = max
	}
	if count > conn.Rdy() {
		if room := conn.maxRdy() - conn.InFlight(); count > room {
			count = room
			if count < 0 {
				count = 0
			}
		}
	}

	if err := conn.WriteCommand(Ready(count)); err != nil {
		return err
	}
	conn.rdy.Store(count)

	if conn.State() == StateRdy {
		conn.setState(StateStarted)
		conn.logger.Info("ready", zap.String("addr", conn.addr), zap.Int64("rdy", count))
	}
	return nil
}

// readResponse consumes frames until the outstanding response arrives.
// Heartbeats may interleave at any point and are answered inline; an error
// frame resolves the exchange with a typed error.
func (conn *Conn) readResponse() ([]byte, error) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return nil, NewError(ConnectionError, err)
		}

		if frame.IsHeartbeat() {
			if err := conn.WriteCommand(Nop()); err != nil {
				return nil, err
			}
			continue
		}

		switch frame.Type {
		case FrameTypeResponse:
			conn.needResponse = false
			return frame.Data, nil
		case FrameTypeError:
			conn.needResponse = false
			return nil, daemonErrorToError(string(frame.Data))
		default:
			return nil, NewError(ProtocolError, "message frame before subscription started")
		}
	}
}

func (conn *Conn) upgradeTLS() error {
	tlsConfig := conn.config.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	tlsConn := tls.Client(conn.conn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return NewError(ConnectionError, err)
	}

	conn.conn = tlsConn
	conn.reader = tlsConn
	conn.writer = tlsConn
	conn.flush = nil

	data, err := conn.readResponse()
	if err != nil {
		return err
	}
	if string(data) != "OK" {
		return NewError(ProtocolError, "tls upgrade not acknowledged")
	}
	conn.logger.Info("tls established", zap.String("addr", conn.addr))

	return nil
}

func (conn *Conn) upgradeSnappy() error {
	writer := snappy.NewBufferedWriter(conn.writer)
	conn.reader = snappy.NewReader(conn.reader)
	conn.writer = writer
	conn.flush = writer.Flush

	data, err := conn.readResponse()
	if err != nil {
		return err
	}
	if string(data) != "OK" {
		return NewError(ProtocolError, "snappy upgrade not acknowledged")
	}
	conn.logger.Info("snappy established", zap.String("addr", conn.addr))

	return nil
}

func (conn *Conn) upgradeDeflate(level int) error {
	writer, err := flate.NewWriter(conn.writer, level)
	if err != nil {
		return NewError(InvalidConfigError, err)
	}
	conn.reader = flate.NewReader(conn.reader)
	conn.writer = writer
	conn.flush = writer.Flush

	data, err := conn.readResponse()
	if err != nil {
		return err
	}
	if string(data) != "OK" {
		return NewError(ProtocolError, "deflate upgrade not acknowledged")
	}
	conn.logger.Info("deflate established", zap.String("addr", conn.addr), zap.Int("level", level))

	return nil
}
