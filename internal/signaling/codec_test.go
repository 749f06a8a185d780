package signaling

import (
	"strings"
	"testing"

	"github.com/NoelleStern/Tappi-share/internal/seal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecPlainBlock(t *testing.T) {
	var c Codec
	msg := Offer("v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\n")
	msg.Seq = 3

	block, err := c.Encode(msg)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(block, PlainPrefix))
	assert.True(t, IsBlock("  "+block))

	got, err := c.Decode(block)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestCodecToleratesWrappedPaste(t *testing.T) {
	var c Codec
	block, err := c.Encode(Candidate(`{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"}`))
	require.NoError(t, err)

	var wrapped strings.Builder
	for i, r := range block {
		if i > 0 && i%20 == 0 {
			wrapped.WriteString("\n  ")
		}
		wrapped.WriteRune(r)
	}

	got, err := c.Decode(wrapped.String())
	require.NoError(t, err)
	assert.Equal(t, KindCandidate, got.Kind)
}

func TestCodecSealedBlock(t *testing.T) {
	a, err := seal.New("pass")
	require.NoError(t, err)
	b, err := seal.New("pass")
	require.NoError(t, err)

	block, err := Codec{Box: a}.Encode(Answer("v=0 answer"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(block, SealedPrefix))
	assert.NotContains(t, block, "answer")

	got, err := Codec{Box: b}.Decode(block)
	require.NoError(t, err)
	assert.Equal(t, "v=0 answer", got.SDP)

	_, err = Codec{}.Decode(block)
	assert.ErrorIs(t, err, ErrMalformedInput)

	plain, err := Codec{}.Encode(Bye(ByeAbort))
	require.NoError(t, err)
	_, err = Codec{Box: b}.Decode(plain)
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func TestCodecMalformed(t *testing.T) {
	var c Codec
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"no prefix", "hello there"},
		{"bad base64", PlainPrefix + "***"},
		{"bad json", PlainPrefix + b64.EncodeToString([]byte("{nope"))},
		{"unknown kind", PlainPrefix + b64.EncodeToString([]byte(`{"kind":"ping"}`))},
		{"offer without sdp", PlainPrefix + b64.EncodeToString([]byte(`{"kind":"offer"}`))},
		{"hello without session", PlainPrefix + b64.EncodeToString([]byte(`{"kind":"hello"}`))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode(tt.in)
			assert.ErrorIs(t, err, ErrMalformedInput)
		})
	}
}

func TestCodecIgnoresUnknownFields(t *testing.T) {
	var c Codec
	raw := `{"kind":"bye","reason":"abort","future":{"x":1}}`
	got, err := c.Decode(PlainPrefix + b64.EncodeToString([]byte(raw)))
	require.NoError(t, err)
	assert.Equal(t, Bye(ByeAbort), got)
}
