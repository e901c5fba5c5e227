// Package transport defines the message channel the lockstep engine runs on.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one message channel to a peer. Send is safe for concurrent use;
// Receive has a single reader.
type Conn interface {
	// Send queues one message for the peer. Delivery may be lossy or reordered
	// depending on the implementation.
	Send(data []byte) error
	// Receive blocks for the next message from the peer.
	Receive(ctx context.Context) ([]byte, error)
	// Close ends the connection in both directions.
	Close() error
}
