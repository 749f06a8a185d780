package negotiator

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout           = errors.New("negotiation timed out")
	ErrPeerAborted       = errors.New("peer aborted the session")
	ErrTransportFailure  = errors.New("transport failure")
	ErrProtocolViolation = errors.New("negotiation protocol violation")
)

// Error is returned by Negotiate on failure. State is where the session was
// when it failed; Err wraps one of the sentinels above or a signaling error.
type Error struct {
	State State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("negotiation failed in %s: %v", e.State, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
