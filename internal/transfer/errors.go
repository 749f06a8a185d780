package transfer

import (
	"errors"
	"fmt"
)

var (
	ErrChannelClosed     = errors.New("channel closed")
	ErrSourceReadError   = errors.New("source read error")
	ErrIntegrityMismatch = errors.New("integrity mismatch")
	ErrUnsafePath        = errors.New("unsafe path")
	ErrProtocolViolation = errors.New("transfer protocol violation")
	ErrTransferDeclined  = errors.New("receiver declined the transfer")
	ErrInvalidManifest   = errors.New("invalid manifest")
	ErrWriteFailed       = errors.New("destination write failed")
	ErrBufferTimeout     = errors.New("buffer drain timeout")
	ErrTimeout           = errors.New("timeout")
)

// TransferError carries the file and offset an error happened at.
type TransferError struct {
	Op      string
	File    string
	Offset  int64
	Err     error
	Details string
}

func (e *TransferError) Error() string {
	msg := e.Op
	if e.File != "" {
		msg += " " + e.File
		if e.Offset > 0 {
			msg += fmt.Sprintf(" at %d", e.Offset)
		}
	}
	msg += ": " + e.Err.Error()
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	return msg
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *TransferError {
	return &TransferError{Op: op, Err: err}
}

func NewFileError(op, file string, offset int64, err error) *TransferError {
	return &TransferError{Op: op, File: file, Offset: offset, Err: err}
}

func WrapError(op string, err error, details string) *TransferError {
	return &TransferError{Op: op, Err: err, Details: details}
}
