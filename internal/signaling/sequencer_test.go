package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqs(msgs []Message) []uint64 {
	out := make([]uint64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Seq
	}
	return out
}

func TestSequencerStamp(t *testing.T) {
	s := NewSequencer()
	assert.Equal(t, uint64(1), s.Stamp(Offer("a")).Seq)
	assert.Equal(t, uint64(2), s.Stamp(Candidate("c")).Seq)
}

func TestSequencerReordersAndDedups(t *testing.T) {
	send := NewSequencer()
	m1 := send.Stamp(Offer("o"))
	m2 := send.Stamp(Candidate("c1"))
	m3 := send.Stamp(Candidate("c2"))

	recv := NewSequencer()
	assert.Empty(t, recv.Accept(m3))
	assert.True(t, recv.Waiting())
	assert.Empty(t, recv.Accept(m2))

	out := recv.Accept(m1)
	require.Len(t, out, 3)
	assert.Equal(t, []uint64{1, 2, 3}, seqs(out))
	assert.False(t, recv.Waiting())

	assert.Empty(t, recv.Accept(m2), "redelivery must be dropped")
	assert.Empty(t, recv.Accept(m1))
}

func TestSequencerPassesUnsequenced(t *testing.T) {
	recv := NewSequencer()
	out := recv.Accept(Bye(ByeAbort))
	require.Len(t, out, 1)
	assert.Equal(t, KindBye, out[0].Kind)
}

func TestGuard(t *testing.T) {
	tests := []struct {
		name    string
		seq     []Message
		wantErr bool
	}{
		{"offer candidates bye", []Message{Offer("o"), Candidate("c"), Candidate("d"), Bye(ByeConnected)}, false},
		{"second offer", []Message{Offer("o"), Offer("o2")}, true},
		{"second answer", []Message{Answer("a"), Answer("a")}, true},
		{"after bye", []Message{Answer("a"), Bye(ByeConnected), Candidate("c")}, true},
		{"hello then offer", []Message{Hello("s1"), Offer("o"), Candidate("c")}, false},
		{"late hello", []Message{Offer("o"), Hello("s1")}, true},
		{"second hello", []Message{Hello("s1"), Hello("s2")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var g Guard
			var err error
			for _, m := range tt.seq {
				if err = g.Check(m); err != nil {
					break
				}
			}
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrProtocolViolation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
