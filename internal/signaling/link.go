// Package signaling carries offer/answer/candidate messages between two
// peers before a direct channel exists. Variants live in the relay, manual
// and broker subpackages.
package signaling

import "context"

// Link is a connected signaling transport. Messages sent by one side arrive
// at the other in the order sent.
//
// Send and Receive may be called from different goroutines, but neither may
// be called concurrently with itself.
type Link interface {
	Send(ctx context.Context, msg Message) error

	// Receive blocks until a message arrives, the link fails or ctx ends.
	Receive(ctx context.Context) (Message, error)

	Close() error
}
