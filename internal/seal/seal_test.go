package seal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenAcrossBoxes(t *testing.T) {
	alice, err := New("correct horse battery staple")
	require.NoError(t, err)
	bob, err := New("correct horse battery staple")
	require.NoError(t, err)

	sealed, err := alice.Seal([]byte("v=0 offer"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "offer")

	opened, err := bob.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "v=0 offer", string(opened))
}

func TestOpenWrongPassphrase(t *testing.T) {
	alice, err := New("one")
	require.NoError(t, err)
	mallory, err := New("two")
	require.NoError(t, err)

	sealed, err := alice.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = mallory.Open(sealed)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestOpenRejectsTamperingAndGarbage(t *testing.T) {
	box, err := New("pw")
	require.NoError(t, err)

	sealed, err := box.Seal([]byte("payload"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = box.Open(sealed)
	assert.ErrorIs(t, err, ErrOpen)

	_, err = box.Open([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShort)

	sealed[0] = 9
	_, err = box.Open(sealed)
	assert.ErrorIs(t, err, ErrVersion)
}

func TestNewRejectsEmptyPassphrase(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrEmptyPassphrase)
}
