package signaling

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/NoelleStern/Tappi-share/internal/seal"
)

// Block prefixes of the printable encoding. The version digit changes only
// when the framing itself changes; new JSON fields are ignored by old
// decoders.
const (
	PlainPrefix  = "tappi1:"
	SealedPrefix = "tappi1e:"
)

var b64 = base64.RawURLEncoding

// Codec turns messages into self-describing printable blocks and back. With
// a Box the JSON is sealed and unsealed blocks are refused.
type Codec struct {
	Box *seal.Box
}

func (c Codec) Encode(msg Message) (string, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", msg.Kind, err)
	}

	if c.Box == nil {
		return PlainPrefix + b64.EncodeToString(raw), nil
	}

	sealed, err := c.Box.Seal(raw)
	if err != nil {
		return "", fmt.Errorf("seal %s: %w", msg.Kind, err)
	}
	return SealedPrefix + b64.EncodeToString(sealed), nil
}

// Decode parses one block. Whitespace anywhere in the block is ignored so
// that wrapped or indented pastes still decode.
func (c Codec) Decode(text string) (Message, error) {
	block := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, text)

	var raw []byte
	switch {
	case strings.HasPrefix(block, SealedPrefix):
		if c.Box == nil {
			return Message{}, fmt.Errorf("%w: sealed block but no secret configured", ErrMalformedInput)
		}
		sealed, err := b64.DecodeString(strings.TrimPrefix(block, SealedPrefix))
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
		}
		if raw, err = c.Box.Open(sealed); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
		}

	case strings.HasPrefix(block, PlainPrefix):
		if c.Box != nil {
			return Message{}, fmt.Errorf("%w: unsealed block while a secret is configured", ErrMalformedInput)
		}
		var err error
		if raw, err = b64.DecodeString(strings.TrimPrefix(block, PlainPrefix)); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
		}

	default:
		return Message{}, fmt.Errorf("%w: not a signaling block", ErrMalformedInput)
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// IsBlock reports whether text looks like the start of a block.
func IsBlock(text string) bool {
	t := strings.TrimSpace(text)
	return strings.HasPrefix(t, PlainPrefix) || strings.HasPrefix(t, SealedPrefix)
}
