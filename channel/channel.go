/*
Package channel provides ordered, message-discrete duplex transports between a supervisor and a worker process.

A Channel carries whole JSON documents. It does not interpret them; the protocol layer lives in package conn.
Messages sent on one end are received on the other end in send order.

Three transports are provided:

  - Stream: one JSON document per line over a reader/writer pair. Used with pipes handed to the worker as extra file descriptors.
  - WebSocket: one JSON document per WebSocket text frame.
  - Pipe: an in-memory pair, for tests and in-process use.
*/
package channel

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed is returned when using a channel after Close.
var ErrClosed = errors.New("channel closed")

// Channel is an ordered duplex message transport.
// Send may be called concurrently. Recv must only be called from one goroutine at a time.
type Channel interface {
	// Send writes a single JSON document.
	Send(ctx context.Context, msg json.RawMessage) error
	// Recv blocks until the next document arrives. It returns io.EOF once the peer has closed its end.
	Recv(ctx context.Context) (json.RawMessage, error)
	// Close releases the channel. The peer observes io.EOF after draining what was already sent.
	Close() error
}
