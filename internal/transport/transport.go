// Package transport provides the connection capability between the proxy and
// one backend tool server. Two variants exist: a spawned-subprocess transport
// speaking newline-delimited JSON over stdio, and a websocket transport for
// socket-reachable backends. Everything above this package is transport
// agnostic.
package transport

import (
	"context"
	"errors"
)

// ErrNotConnected is returned when sending on a closed or unopened transport.
var ErrNotConnected = errors.New("transport not connected")

// Transport is the capability a backend connection is built on: open a
// channel, push raw frames, consume inbound frames, close.
type Transport interface {
	// Connect establishes the channel. Calling Connect on a connected
	// transport is a no-op.
	Connect(ctx context.Context) error

	// Send writes one raw message frame. Safe for concurrent use.
	Send(data []byte) error

	// Messages returns the channel of inbound frames.
	Messages() <-chan []byte

	// Errors returns the channel of transport-level errors.
	Errors() <-chan error

	// Close tears the channel down and releases resources.
	Close() error

	// Connected reports whether the channel is currently open.
	Connected() bool
}
