// Package channel defines the connected, message-oriented pipe that a
// successful negotiation hands to the transfer engine.
package channel

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send and Recv once the channel is gone.
var ErrClosed = errors.New("channel closed")

// Channel is an ordered, message-boundary-preserving bidirectional pipe.
//
// A Channel may be read from one goroutine and written from another, but
// Send must not be called concurrently.
type Channel interface {
	// Send queues one message. It does not block on the remote reader.
	Send(data []byte) error

	// Recv blocks until a message arrives, the channel closes or ctx ends.
	Recv(ctx context.Context) ([]byte, error)

	// BufferedAmount reports outbound bytes not yet delivered.
	BufferedAmount() uint64

	SetBufferedAmountLowThreshold(threshold uint64)

	// OnBufferedAmountLow registers a callback fired whenever the buffered
	// amount falls to or below the low threshold.
	OnBufferedAmountLow(f func())

	Close() error

	// Done is closed when the channel is closed by either side or the
	// underlying transport fails.
	Done() <-chan struct{}
}
