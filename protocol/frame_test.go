package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeTestFrame(t *testing.T, seq uint8, payload []byte) []byte {
	t.Helper()
	out := NewScratchOutput()
	require.NoError(t, EncodeFrame(out, seq, func(o OutputBuffer) { o.Output(payload) }))
	return append([]byte(nil), out.Result()...)
}

func TestEncodeFrameAck(t *testing.T) {
	out := NewScratchOutput()
	require.NoError(t, EncodeFrame(out, MessageDest, nil))
	assert.Equal(t, []byte{5, 0x10, 0x9E, 0x81, MessageValueSync}, out.Result())
}

func TestEncodeFrameTooLong(t *testing.T) {
	out := NewScratchOutput()
	err := EncodeFrame(out, MessageDest, func(o OutputBuffer) {
		o.Output(make([]byte, MessagePayloadMax+1))
	})
	assert.ErrorIs(t, err, ErrFrameTooLong)
}

func TestScanFrameRoundTrip(t *testing.T) {
	frame := encodeTestFrame(t, 0x13, []byte{1, 2, 3})

	msg, n, err := ScanFrame(frame)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, len(frame), n)
	assert.Equal(t, uint8(0x13), msg.Sequence)
	assert.Equal(t, []byte{1, 2, 3}, msg.Payload)
	assert.False(t, msg.IsAck())
}

func TestScanFramePartial(t *testing.T) {
	frame := encodeTestFrame(t, MessageDest, []byte{9, 9, 9})

	for _, cut := range []int{0, 3, len(frame) - 1} {
		msg, n, err := ScanFrame(frame[:cut])
		assert.NoError(t, err)
		assert.Nil(t, msg)
		assert.Zero(t, n, "cut at %d", cut)
	}
}

func TestScanFrameSkipsSync(t *testing.T) {
	msg, n, err := ScanFrame([]byte{MessageValueSync, 5})
	assert.NoError(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, 1, n)
}

func TestScanFrameRejectsCorruption(t *testing.T) {
	frame := encodeTestFrame(t, MessageDest, []byte{7})

	badCRC := append([]byte(nil), frame...)
	badCRC[2] ^= 0xFF
	_, _, err := ScanFrame(badCRC)
	assert.ErrorIs(t, err, ErrFrameCRC)

	badSync := append([]byte(nil), frame...)
	badSync[len(badSync)-1] = 0
	_, _, err = ScanFrame(badSync)
	assert.ErrorIs(t, err, ErrFrameSync)

	_, _, err = ScanFrame([]byte{2, 0x10, 0, 0, 0})
	assert.ErrorIs(t, err, ErrFrameLength)
}

func TestResync(t *testing.T) {
	assert.Equal(t, 3, Resync([]byte{1, 2, MessageValueSync, 4}))
	assert.Equal(t, 2, Resync([]byte{1, 2}))
}

func TestNextSequenceWraps(t *testing.T) {
	assert.Equal(t, uint8(0x11), NextSequence(0x10))
	assert.Equal(t, uint8(0x10), NextSequence(0x1F))
}
