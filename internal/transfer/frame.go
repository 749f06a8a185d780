package transfer

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	FrameManifest  = "manifest"
	FrameChunk     = "chunk"
	FrameAck       = "ack"
	FrameFileError = "file_error"
	FrameDecline   = "decline"
	FrameDone      = "done"
)

// Frame is one data channel message. Payload is decoded according to Type.
type Frame struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload,omitempty"`
}

type ManifestPayload struct {
	Entries   []Entry `msgpack:"entries"`
	ChunkSize int     `msgpack:"chunkSize"`
	TotalSize int64   `msgpack:"totalSize"`
}

type ChunkPayload struct {
	File   int    `msgpack:"file"`
	Offset int64  `msgpack:"offset"`
	Data   []byte `msgpack:"data"`
	Final  bool   `msgpack:"final"`
}

// Negative ack kinds.
const (
	AckIntegrity   = "integrity"
	AckWriteFailed = "write"
)

// AckPayload answers the manifest (File -1) or a finished file. Offset is
// the number of bytes the receiver holds, which is where a resumed
// transfer would pick up.
type AckPayload struct {
	File   int    `msgpack:"file"`
	Offset int64  `msgpack:"offset"`
	OK     bool   `msgpack:"ok"`
	Kind   string `msgpack:"kind,omitempty"`
	Reason string `msgpack:"reason,omitempty"`
}

type FileErrorPayload struct {
	File   int    `msgpack:"file"`
	Reason string `msgpack:"reason"`
}

type DeclinePayload struct {
	Reason string `msgpack:"reason"`
}

// DecodePayload decodes the frame payload into v.
func (f Frame) DecodePayload(v any) error {
	if err := msgpack.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: bad %s payload: %v", ErrProtocolViolation, f.Type, err)
	}
	return nil
}

// EncodeFrame builds and marshals a frame in one step. A nil payload
// produces a bare frame.
func EncodeFrame(t string, payload any) ([]byte, error) {
	f := Frame{Type: t}
	if payload != nil {
		raw, err := msgpack.Marshal(payload)
		if err != nil {
			return nil, NewError("encode "+t, err)
		}
		f.Payload = raw
	}
	data, err := msgpack.Marshal(f)
	if err != nil {
		return nil, NewError("encode "+t, err)
	}
	return data, nil
}

func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: undecodable frame: %v", ErrProtocolViolation, err)
	}
	return f, nil
}
