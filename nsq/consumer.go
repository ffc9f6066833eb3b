package nsq

import (
	"go.uber.org/zap"
)

// Handler is the capability set a worker invokes for delivered messages.
// Implementations must be safe for concurrent use when spawned on more than
// one worker.
type Handler interface {
	// HandleMessage processes one delivered message. Returning an error
	// requeues the message and counts toward the connection's backoff
	// threshold. The handler settles the message itself through ctx
	// (Finish or Requeue) when it returns nil.
	HandleMessage(msg *Message, ctx *Context) error

	// OnMaxAttempts is invoked instead of HandleMessage once the daemon's
	// attempt count reaches the configured maximum. The implementation
	// decides whether to Finish (discard) or keep requeueing.
	OnMaxAttempts(msg *Message, ctx *Context)

	// OnClose is invoked when the connection terminates, once per worker.
	// Workers keep consuming afterwards; pool lifecycle belongs to the
	// owner (Shutdown).
	OnClose(ctx *Context)
}

// Spawn starts n workers delivering messages to handler. Workers block on
// the shared message queue and inside handler code only; they never touch
// connection state directly. Spawn must be called before Run.
func (client *Client) Spawn(n int, handler Handler) *Client {
	for i := 0; i < n; i++ {
		client.workers.Add(1)
		client.workerGroup.Go(func() error {
			client.workerLoop(handler)
			return nil
		})
	}

	client.logger.Info("workers spawned", zap.Int("count", n))
	return client
}

func (client *Client) workerLoop(handler Handler) {
	ctx := &Context{
		cmdChan: client.cmdChan,
		done:    client.doneChan,
		logger:  client.logger,
	}

	for payload := range client.msgChan {
		// A zero-length payload is the close sentinel.
		if len(payload) == 0 {
			handler.OnClose(ctx)
			continue
		}

		msg, err := decodeMessage(payload)
		if err != nil {
			client.logger.Error("dropping undecodable message", zap.Error(err))
			continue
		}

		if client.maxAttempts > 0 && msg.Attempts >= client.maxAttempts {
			handler.OnMaxAttempts(msg, ctx)
			continue
		}

		if err := handler.HandleMessage(msg, ctx); err != nil {
			client.logger.Warn("message handler failed",
				zap.String("id", msg.ID.String()),
				zap.Error(NewError(MessageHandlerError, err)))
			ctx.Requeue(msg.ID, client.requeueDelay)
		}
	}
}

// Wait blocks until all spawned workers have exited (after Shutdown).
func (client *Client) Wait() {
	_ = client.workerGroup.Wait()
}
