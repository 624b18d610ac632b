package stream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoder_SplitAtEveryOffset(t *testing.T) {
	text := "aé€😀z"
	raw := []byte(text)
	for cut := 0; cut <= len(raw); cut++ {
		var d Decoder
		got := d.Decode(raw[:cut]) + d.Decode(raw[cut:])
		require.NoError(t, d.Finish(), "cut=%d", cut)
		assert.Equal(t, text, got, "cut=%d", cut)
	}
}

func TestDecoder_ByteAtATime(t *testing.T) {
	text := "héllo 世界 🎉"
	var d Decoder
	var got string
	for _, b := range []byte(text) {
		got += d.Decode([]byte{b})
	}
	require.NoError(t, d.Finish())
	assert.Equal(t, text, got)
}

func TestDecoder_HoldsPartialSequence(t *testing.T) {
	var d Decoder
	euro := []byte("€")
	assert.Equal(t, "x", d.Decode(append([]byte("x"), euro[:2]...)))
	assert.Equal(t, 2, d.Pending())
	assert.Equal(t, "€", d.Decode(euro[2:]))
	assert.Equal(t, 0, d.Pending())
}

func TestDecoder_TrailingBytesAtEnd(t *testing.T) {
	var d Decoder
	euro := []byte("€")
	d.Decode(euro[:2])
	err := d.Finish()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecode))
	assert.NoError(t, d.Finish(), "pending bytes reported once")
}

func TestDecoder_InvalidBytesReplaced(t *testing.T) {
	var d Decoder
	got := d.Decode([]byte{'a', 0xff, 'b'})
	assert.Equal(t, "a�b", got)
	assert.NoError(t, d.Finish())
}
