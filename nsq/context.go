package nsq

import (
	"time"

	"go.uber.org/zap"
)

// Context is a worker's only capability to talk back to the connection.
// Send both enqueues the command and wakes the connection loop in a single
// operation, so a command can never sit in the queue unobserved. A Context
// never outlives the connection it was issued for.
type Context struct {
	cmdChan chan<- *Command
	done    <-chan struct{}
	logger  *zap.Logger
}

// Send enqueues a command for the connection loop. Commands from a single
// worker are observed in the order it sent them. Send returns without
// enqueueing once the connection has shut down.
func (ctx *Context) Send(cmd *Command) {
	select {
	case ctx.cmdChan <- cmd:
	case <-ctx.done:
		ctx.logger.Debug("command dropped after shutdown", zap.String("cmd", cmd.String()))
	}
}

// Finish acknowledges the message, releasing its in-flight slot.
func (ctx *Context) Finish(id MessageID) {
	ctx.Send(Finish(id))
}

// Requeue returns the message to the queue for redelivery after delay.
func (ctx *Context) Requeue(id MessageID, delay time.Duration) {
	ctx.Send(Requeue(id, delay))
}

// Touch resets the message's server-side processing timeout.
func (ctx *Context) Touch(id MessageID) {
	ctx.Send(Touch(id))
}
