package nsq

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ClientVersion is reported to nsqd in the IDENTIFY user agent.
const ClientVersion = "0.1.0"

const (
	// msgQueueSize bounds the message queue between the connection loop
	// and the workers. RDY credit is clamped below it, so in-flight
	// deliveries can never fill the queue and stall the read path.
	msgQueueSize = 4096
	cmdQueueSize = 1024

	defaultRdy              = 1
	defaultBackoffThreshold = 3
	defaultRequeueDelay     = 5 * time.Second

	// handshakeTimeout bounds the pre-Started socket reads when no
	// heartbeat window applies.
	handshakeTimeout = 15 * time.Second
)

// ConnectionStatus is the owner-facing connection state.
type ConnectionStatus int

const (
	StatusConnected ConnectionStatus = iota
	StatusDisconnected
)

// StatusEvent is emitted on the status channel when the connection is
// established or lost. For disconnects, LastSeen is the time of the last
// observed heartbeat (or of connecting, if none was seen).
type StatusEvent struct {
	Status   ConnectionStatus
	LastSeen time.Time
	Err      error
}

// Client drives one connection to one nsqd address for one topic/channel
// subscription. A single goroutine (Run) owns the socket and all mutable
// connection state; workers and owners communicate with it exclusively
// through channels.
type Client struct {
	topic   string
	channel string
	addr    string

	config      *Config
	secret      string
	hasSecret   bool
	rdy         int64
	maxAttempts uint16
	logger      *zap.Logger

	conn *Conn

	cmdChan     chan *Command
	msgChan     chan []byte
	frameChan   chan *Frame
	readErrChan chan error
	closeChan   chan struct{}
	closeOnce   sync.Once
	doneChan    chan struct{}
	doneOnce    sync.Once
	statusChan  chan StatusEvent

	heartbeatWindow  time.Duration
	hasWindow        bool
	lastHeartbeat    time.Time
	backoffSchedule  backoff.BackOff
	backoffThreshold int
	failures         int
	resumeChan       <-chan time.Time
	requeueDelay     time.Duration

	// fatal handles errors no protocol action can fix (auth required with
	// no secret). The default terminates the process.
	fatal func(msg string, fields ...zap.Field)

	workers        atomic.Int32
	workerGroup    errgroup.Group
	started        atomic.Bool
	reachedStarted atomic.Bool
	shutdownOnce   sync.Once
}

// NewClient returns a new Client for the topic/channel pair at addr.
func NewClient(topic string, channel string, addr string) *Client {
	schedule := backoff.NewExponentialBackOff()
	schedule.MaxElapsedTime = 0

	client := &Client{
		topic:   topic,
		channel: channel,
		addr:    addr,

		config:      NewConfig(),
		rdy:         defaultRdy,
		logger:      zap.NewNop(),
		cmdChan:     make(chan *Command, cmdQueueSize),
		msgChan:     make(chan []byte, msgQueueSize),
		frameChan:   make(chan *Frame),
		readErrChan: make(chan error, 1),
		closeChan:   make(chan struct{}),
		doneChan:    make(chan struct{}),
		statusChan:  make(chan StatusEvent, 16),

		backoffSchedule:  schedule,
		backoffThreshold: defaultBackoffThreshold,
		requeueDelay:     defaultRequeueDelay,
	}
	client.fatal = func(msg string, fields ...zap.Field) {
		client.logger.Fatal(msg, fields...)
	}

	return client
}

// SetConfig sets the negotiation payload sent to nsqd.
func (client *Client) SetConfig(config *Config) *Client {
	client.config = config
	return client
}

// SetSecret sets the AUTH secret used when the daemon requires
// authentication.
func (client *Client) SetSecret(secret string) *Client {
	client.secret = secret
	client.hasSecret = true
	return client
}

// SetRdy sets the initial delivery credit granted once subscribed.
func (client *Client) SetRdy(rdy int64) *Client {
	if rdy < 0 {
		rdy = 0
	}
	if rdy > msgQueueSize/2 {
		rdy = msgQueueSize / 2
	}
	client.rdy = rdy
	return client
}

// SetMaxAttempts routes messages delivered at least maxAttempts times to
// the handler's OnMaxAttempts hook. 0 disables the check.
func (client *Client) SetMaxAttempts(maxAttempts uint16) *Client {
	client.maxAttempts = maxAttempts
	return client
}

// SetLogger sets the structured logger. The default discards everything.
func (client *Client) SetLogger(logger *zap.Logger) *Client {
	client.logger = logger
	return client
}

// SetHeartbeatWindow overrides the watchdog window. By default the window
// is 1.5x the configured heartbeat interval, and the watchdog is disabled
// when heartbeats are.
func (client *Client) SetHeartbeatWindow(window time.Duration) *Client {
	client.heartbeatWindow = window
	client.hasWindow = true
	return client
}

// SetBackoffThreshold sets how many consecutive requeues enter backoff.
func (client *Client) SetBackoffThreshold(threshold int) *Client {
	if threshold < 1 {
		threshold = 1
	}
	client.backoffThreshold = threshold
	return client
}

// StatusEvents returns the owner-facing status channel. Events are emitted
// best-effort; a supervising component should also observe Run's return.
func (client *Client) StatusEvents() <-chan StatusEvent {
	return client.statusChan
}

// UpdateRdy asks the connection loop to re-issue delivery credit. The value
// actually sent is clamped to the negotiated maximum.
func (client *Client) UpdateRdy(count int64) {
	select {
	case client.cmdChan <- Ready(count):
	case <-client.doneChan:
	}
}

// Close requests a clean shutdown of the connection loop. It is the only
// cancellation primitive and is cooperative: the loop observes it on its
// next wakeup, sends CLS, and tears the connection down. In-flight handler
// invocations finish naturally.
func (client *Client) Close() {
	client.closeOnce.Do(func() {
		close(client.closeChan)
	})
}

// Shutdown closes the connection (if still open), waits for the connection
// loop to exit, and releases the worker pool.
func (client *Client) Shutdown() {
	client.Close()
	if client.started.Load() {
		<-client.doneChan
	}
	client.shutdownOnce.Do(func() {
		client.closeDone()
		close(client.msgChan)
	})
	client.Wait()
}

func (client *Client) closeDone() {
	client.doneOnce.Do(func() {
		close(client.doneChan)
	})
}

func (client *Client) window() time.Duration {
	if client.hasWindow {
		return client.heartbeatWindow
	}
	if client.config.HeartbeatInterval <= 0 {
		return 0
	}
	return time.Duration(client.config.HeartbeatInterval) * time.Millisecond * 3 / 2
}

func (client *Client) emitStatus(status ConnectionStatus, err error) {
	event := StatusEvent{Status: status, LastSeen: client.lastHeartbeat, Err: err}
	select {
	case client.statusChan <- event:
	default:
	}
}

// Run dials the daemon, performs the handshake to Started, and serves the
// connection until it is closed or fails. It returns nil after a clean
// Close and the terminal error otherwise. Run may be called once; a
// supervising component builds a fresh Client to reconnect.
func (client *Client) Run() error {
	if !client.started.CompareAndSwap(false, true) {
		return NewError(UnknownError, "client may only be run once")
	}
	defer client.closeDone()

	client.conn = newConn(client.addr, client.config, client.logger)
	client.logger.Info("connecting", zap.String("addr", client.addr))

	if err := client.conn.Dial(); err != nil {
		client.finish(err)
		return err
	}
	client.lastHeartbeat = time.Now()

	// The handshake reads the socket outside the reactor, so it needs its
	// own bounds: a read deadline against a mute daemon, and a watcher
	// that fails the socket when Close is requested mid-handshake.
	window := client.window()
	if window <= 0 {
		window = handshakeTimeout
	}
	client.conn.setReadDeadline(time.Now().Add(window))

	handshakeDone := make(chan struct{})
	go func() {
		select {
		case <-client.closeChan:
			client.conn.closeSocket()
		case <-handshakeDone:
		}
	}()

	err := client.handshake()
	close(handshakeDone)
	if err != nil {
		select {
		case <-client.closeChan:
			// Close during the handshake is a clean shutdown, not a
			// connection failure.
			err = nil
		default:
		}
		client.finish(err)
		return err
	}
	client.conn.setReadDeadline(time.Time{})

	client.reachedStarted.Store(true)
	client.emitStatus(StatusConnected, nil)

	go client.readLoop()

	err = client.reactor()
	client.finish(err)
	return err
}

// handshake walks the pre-Started states in order, sending the command for
// the current state and consuming its response. Identify performs the TLS
// and compression upgrades internally before returning.
func (client *Client) handshake() error {
	conn := client.conn

	for conn.State() != StateStarted {
		switch conn.State() {
		case StateIdentify:
			nsqdConfig, err := conn.Identify()
			if err != nil {
				return err
			}
			if nsqdConfig.AuthRequired {
				if !client.hasSecret {
					// No protocol action can fix a missing secret.
					client.fatal("authentication required but no secret configured",
						zap.String("addr", client.addr))
					return NewError(AuthenticationError, "secret token required")
				}
				conn.setState(StateAuth)
			} else {
				conn.setState(StateSubscribe)
			}

		case StateAuth:
			if err := conn.Auth(client.secret); err != nil {
				return err
			}

		case StateSubscribe:
			if err := conn.Subscribe(client.topic, client.channel); err != nil {
				return err
			}

		case StateRdy:
			if err := conn.Ready(client.rdy); err != nil {
				return err
			}

		default:
			return NewError(ProtocolError, "handshake reached state "+conn.State().String())
		}
	}

	return nil
}

// readLoop relays socket bytes through the codec to the connection loop.
// It is the only goroutine that reads the socket after Started.
func (client *Client) readLoop() {
	for {
		frame, err := client.conn.ReadFrame()
		if err != nil {
			select {
			case client.readErrChan <- err:
			case <-client.doneChan:
			}
			return
		}

		select {
		case client.frameChan <- frame:
		case <-client.doneChan:
			return
		}
	}
}

// reactor is the single-threaded connection loop. It waits on decoded
// frames, worker commands, the external close request, the backoff resume
// timer, and the heartbeat watchdog.
func (client *Client) reactor() error {
	var watchdog *time.Timer
	var watchdogC <-chan time.Time
	if window := client.window(); window > 0 {
		watchdog = time.NewTimer(window)
		watchdogC = watchdog.C
		defer watchdog.Stop()
	}

	for {
		select {
		case <-client.closeChan:
			_ = client.conn.WriteCommand(Cls())
			client.logger.Info("closing", zap.String("addr", client.addr))
			return nil

		case frame := <-client.frameChan:
			if err := client.handleFrame(frame, watchdog); err != nil {
				return err
			}

		case cmd := <-client.cmdChan:
			if err := client.handleCommand(cmd); err != nil {
				return err
			}

		case <-client.resumeChan:
			client.resumeChan = nil
			client.conn.setState(StateResume)
			if err := client.conn.Ready(1); err != nil {
				return err
			}
			client.logger.Info("probing resume", zap.String("addr", client.addr))

		case err := <-client.readErrChan:
			return NewError(ConnectionError, err)

		case <-watchdogC:
			// The daemon stopped heartbeating even though the socket
			// reported no error. Treated identically to Close.
			client.logger.Error("heartbeat absent", zap.String("addr", client.addr),
				zap.Time("last_seen", client.lastHeartbeat))
			return NewError(HeartbeatAbsenceError, "no heartbeat within window")
		}
	}
}

func (client *Client) handleFrame(frame *Frame, watchdog *time.Timer) error {
	conn := client.conn

	if frame.IsHeartbeat() {
		conn.heartbeat = true
		client.lastHeartbeat = time.Now()
		if watchdog != nil {
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(client.window())
		}
		// Auto-acknowledge, then clear the flag.
		if err := conn.WriteCommand(Nop()); err != nil {
			return err
		}
		conn.heartbeat = false
		return nil
	}

	switch frame.Type {
	case FrameTypeMessage:
		conn.deliveredMessage()
		// RDY credit is below the queue capacity, so this cannot block
		// the read path.
		client.msgChan <- frame.Data
		return nil

	case FrameTypeError:
		client.logger.Error("daemon error", zap.String("addr", client.addr),
			zap.Error(daemonErrorToError(string(frame.Data))))
		return nil

	case FrameTypeResponse:
		if frame.IsCloseWait() {
			client.logger.Info("close acknowledged", zap.String("addr", client.addr))
		} else {
			client.logger.Debug("response", zap.ByteString("data", frame.Data))
		}
		return nil
	}

	return NewError(ProtocolError, "unknown frame type "+strconv.Itoa(int(frame.Type)))
}

func (client *Client) handleCommand(cmd *Command) error {
	conn := client.conn

	switch cmd.Kind() {
	case CommandRdy:
		count, err := strconv.ParseInt(string(cmd.params[0]), 10, 64)
		if err != nil {
			return NewError(ProtocolError, err)
		}
		if count > msgQueueSize/2 {
			count = msgQueueSize / 2
		}
		client.rdy = count
		if state := conn.State(); state == StateBackoff || state == StateResume {
			// Credit stays withdrawn until the resume probe succeeds; the
			// stashed value is granted when Started is restored.
			return nil
		}
		return conn.Ready(count)

	case CommandFin:
		if err := conn.WriteCommand(cmd); err != nil {
			return err
		}
		return client.onAckSuccess()

	case CommandReq:
		if err := conn.WriteCommand(cmd); err != nil {
			return err
		}
		return client.onAckFailure()
	}

	return conn.WriteCommand(cmd)
}

// onAckSuccess observes a FIN. It resets the failure run and, when probing
// recovery, restores full credit and returns to Started.
func (client *Client) onAckSuccess() error {
	client.failures = 0

	if client.conn.State() == StateResume {
		client.backoffSchedule.Reset()
		if err := client.conn.Ready(client.rdy); err != nil {
			return err
		}
		client.conn.setState(StateStarted)
		client.logger.Info("resumed", zap.String("addr", client.addr), zap.Int64("rdy", client.rdy))
	}
	return nil
}

// onAckFailure observes a REQ. A run of consecutive failures in Started or
// Resume enters Backoff: credit drops to zero while in-flight work drains,
// and an exponential schedule decides when to probe again. Backoff is never
// entered from the pre-Started states.
func (client *Client) onAckFailure() error {
	client.failures++

	state := client.conn.State()
	if state != StateStarted && state != StateResume {
		return nil
	}
	if client.failures < client.backoffThreshold {
		return nil
	}

	if err := client.conn.Ready(0); err != nil {
		return err
	}
	client.failures = 0
	client.conn.setState(StateBackoff)

	delay := client.backoffSchedule.NextBackOff()
	client.resumeChan = time.After(delay)
	client.logger.Warn("entering backoff", zap.String("addr", client.addr), zap.Duration("delay", delay))
	return nil
}

// finish tears the connection down after the loop exits: it drops the
// socket, delivers exactly one sentinel per worker so none blocks forever,
// and emits the disconnect event.
func (client *Client) finish(err error) {
	_ = client.conn.Close()

	workers := int(client.workers.Load())
	for i := 0; i < workers; i++ {
		client.msgChan <- nil
	}

	client.emitStatus(StatusDisconnected, err)
	if err != nil {
		client.logger.Error("connection terminated", zap.String("addr", client.addr), zap.Error(err))
	}
}
