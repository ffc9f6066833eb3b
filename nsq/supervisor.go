package nsq

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Supervisor owns the reconnect loop around Client: construct, run until a
// disconnect is reported, wait out the reconnect schedule, construct anew.
// The engine itself never reconnects; every attempt gets a fresh Client.
type Supervisor struct {
	topic       string
	channel     string
	addr        string
	poolSize    int
	handler     Handler
	config      *Config
	secret      string
	hasSecret   bool
	rdy         int64
	maxAttempts uint16
	logger      *zap.Logger

	current  atomic.Pointer[Client]
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewSupervisor returns a new Supervisor running poolSize workers against
// handler for every connection it builds.
func NewSupervisor(topic string, channel string, addr string, poolSize int, handler Handler) *Supervisor {
	if poolSize < 1 {
		poolSize = 1
	}
	return &Supervisor{
		topic:    topic,
		channel:  channel,
		addr:     addr,
		poolSize: poolSize,
		handler:  handler,
		config:   NewConfig(),
		rdy:      defaultRdy,
		logger:   zap.NewNop(),
		stopChan: make(chan struct{}),
	}
}

// SetConfig sets the negotiation payload used for every connection.
func (sup *Supervisor) SetConfig(config *Config) *Supervisor {
	sup.config = config
	return sup
}

// SetSecret sets the AUTH secret.
func (sup *Supervisor) SetSecret(secret string) *Supervisor {
	sup.secret = secret
	sup.hasSecret = true
	return sup
}

// SetRdy sets the initial delivery credit.
func (sup *Supervisor) SetRdy(rdy int64) *Supervisor {
	sup.rdy = rdy
	return sup
}

// SetMaxAttempts sets the attempt ceiling routed to OnMaxAttempts.
func (sup *Supervisor) SetMaxAttempts(maxAttempts uint16) *Supervisor {
	sup.maxAttempts = maxAttempts
	return sup
}

// SetLogger sets the structured logger.
func (sup *Supervisor) SetLogger(logger *zap.Logger) *Supervisor {
	sup.logger = logger
	return sup
}

func (sup *Supervisor) build() *Client {
	client := NewClient(sup.topic, sup.channel, sup.addr).
		SetConfig(sup.config).
		SetRdy(sup.rdy).
		SetMaxAttempts(sup.maxAttempts).
		SetLogger(sup.logger)
	if sup.hasSecret {
		client.SetSecret(sup.secret)
	}
	return client
}

// Run serves connections until Stop is called. Connect failures and lost
// connections are retried on an exponential schedule; the schedule resets
// whenever a connection makes it to Started.
func (sup *Supervisor) Run() error {
	schedule := backoff.NewExponentialBackOff()
	schedule.MaxElapsedTime = 0

	for {
		select {
		case <-sup.stopChan:
			return nil
		default:
		}

		client := sup.build().Spawn(sup.poolSize, sup.handler)
		sup.current.Store(client)

		err := client.Run()
		if client.reachedStarted.Load() {
			schedule.Reset()
		}
		client.Shutdown()

		if err == nil {
			// Clean close, requested through Stop.
			return nil
		}

		delay := schedule.NextBackOff()
		sup.logger.Warn("reconnecting",
			zap.String("addr", sup.addr),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-time.After(delay):
		case <-sup.stopChan:
			return nil
		}
	}
}

// Stop requests a clean shutdown of the current connection and ends the
// reconnect loop.
func (sup *Supervisor) Stop() {
	sup.stopOnce.Do(func() {
		close(sup.stopChan)
		if client := sup.current.Load(); client != nil {
			client.Close()
		}
	})
}
