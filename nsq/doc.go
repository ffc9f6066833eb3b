// Package nsq provides a Go consumer client for the nsqd TCP protocol.
//
// The primary lifecycle is:
//   - construct a Client with NewClient
//   - Spawn a pool of message handler workers
//   - Run the connection loop, which negotiates the session and streams
//     messages to the workers until the connection closes
//   - Shutdown when finished
//
// A Client owns exactly one connection to one nsqd address and one
// topic/channel subscription. Reconnection is the job of Supervisor, which
// rebuilds the Client whenever the connection loop reports a disconnect.
//
// Handlers receive a Context and acknowledge messages through it (Finish,
// Requeue, Touch). All handler-issued commands travel over a single channel
// observed by the connection loop, so a single handler's commands are
// applied in the order it issued them.
//
// Errors are reported as typed errors created with NewError and may wrap
// transport, negotiation, authentication, protocol, or disconnect causes.
//
// Integration tests are environment-gated and use NSQ_TEST_ADDR and
// NSQ_TEST_SECRET.
package nsq
