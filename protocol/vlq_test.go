package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVLQIntRoundTrip(t *testing.T) {
	for _, expected := range []int32{0, 1, -1, 95, 96, -32, -33, 127, -128, 1000, -1000, 65535, -65535, 1000000, -1000000} {
		output := NewScratchOutput()
		EncodeVLQInt(output, expected)
		data := output.Result()

		decoded, err := DecodeVLQInt(&data)
		require.NoError(t, err, "value %d", expected)
		assert.Equal(t, expected, decoded)
		assert.Empty(t, data, "value %d left bytes behind", expected)
	}
}

func TestVLQUintAbove31Bits(t *testing.T) {
	output := NewScratchOutput()
	EncodeVLQUint(output, 0xF0000000)
	data := output.Result()

	decoded, err := DecodeVLQUint(&data)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xF0000000), decoded)
}

func TestVLQBytes(t *testing.T) {
	for i, expected := range [][]byte{{}, {0x01}, {0x06, 0xFF, 0x0F}, make([]byte, 50)} {
		output := NewScratchOutput()
		EncodeVLQBytes(output, expected)
		data := output.Result()

		decoded, err := DecodeVLQBytes(&data)
		require.NoError(t, err, "case %d", i)
		assert.Equal(t, expected, decoded, "case %d", i)
	}
}

func TestVLQBytesTruncated(t *testing.T) {
	data := []byte{5, 1, 2}
	_, err := DecodeVLQBytes(&data)
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestVLQBufferTooSmall(t *testing.T) {
	data := []byte{0x80}
	_, err := DecodeVLQInt(&data)
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}
