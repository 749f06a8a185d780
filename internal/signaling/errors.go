package signaling

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrLinkLost          = errors.New("signaling link lost")
	ErrSessionExpired    = errors.New("signaling session expired")
	ErrMalformedInput    = errors.New("malformed signaling input")
	ErrTimeout           = errors.New("signaling timeout")
	ErrLinkClosed        = errors.New("signaling link closed")
	ErrProtocolViolation = errors.New("signaling protocol violation")
)

// ContextError maps a finished context to the signaling taxonomy: an expired
// deadline is ErrTimeout, a cancellation is returned as is.
func ContextError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
