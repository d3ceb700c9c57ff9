package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commandFrame(t *testing.T, seq uint8, cmdID uint16, arg int32) []byte {
	t.Helper()
	out := NewScratchOutput()
	require.NoError(t, EncodeFrame(out, seq, func(o OutputBuffer) {
		EncodeVLQUint(o, uint32(cmdID))
		EncodeVLQInt(o, arg)
	}))
	return append([]byte(nil), out.Result()...)
}

func scanAll(t *testing.T, data []byte) []*Message {
	t.Helper()
	var msgs []*Message
	for len(data) > 0 {
		msg, n, err := ScanFrame(data)
		require.NoError(t, err)
		require.NotZero(t, n)
		data = data[n:]
		if msg != nil {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func TestDeviceTransportDispatchAndAck(t *testing.T) {
	out := NewScratchOutput()
	var got []int32
	dt := NewDeviceTransport(out, func(cmdID uint16, data *[]byte) error {
		v, err := DecodeVLQInt(data)
		got = append(got, v)
		return err
	})

	input := NewFifoBuffer(MessageMax)
	input.Write(commandFrame(t, 0x10, 3, -7))
	input.Write(commandFrame(t, 0x11, 3, 42))
	dt.Receive(input)

	assert.Equal(t, []int32{-7, 42}, got)
	assert.Zero(t, input.Available())

	acks := scanAll(t, out.Result())
	require.Len(t, acks, 2)
	assert.Equal(t, uint8(0x11), acks[0].Sequence)
	assert.Equal(t, uint8(0x12), acks[1].Sequence)
}

func TestDeviceTransportNaksOutOfOrder(t *testing.T) {
	out := NewScratchOutput()
	calls := 0
	dt := NewDeviceTransport(out, func(cmdID uint16, data *[]byte) error {
		calls++
		_, err := DecodeVLQInt(data)
		return err
	})

	input := NewFifoBuffer(MessageMax)
	input.Write(commandFrame(t, 0x14, 3, 1))
	dt.Receive(input)

	assert.Zero(t, calls)
	acks := scanAll(t, out.Result())
	require.Len(t, acks, 1)
	assert.Equal(t, uint8(MessageDest), acks[0].Sequence)
}

func TestDeviceTransportHostReset(t *testing.T) {
	out := NewScratchOutput()
	resets := 0
	dt := NewDeviceTransport(out, func(cmdID uint16, data *[]byte) error {
		_, err := DecodeVLQInt(data)
		return err
	})
	dt.SetResetCallback(func() { resets++ })

	input := NewFifoBuffer(MessageMax)
	input.Write(commandFrame(t, 0x10, 1, 0))
	input.Write(commandFrame(t, 0x10, 1, 0))
	dt.Receive(input)

	assert.Equal(t, 1, resets)
}

func TestDeviceTransportCountsCorruptFrames(t *testing.T) {
	out := NewScratchOutput()
	dt := NewDeviceTransport(out, nil)

	frame := commandFrame(t, 0x10, 1, 0)
	frame[2] ^= 0x55
	input := NewFifoBuffer(MessageMax)
	input.Write(frame)
	dt.Receive(input)

	assert.Equal(t, 1, dt.FrameErrors())
	assert.Zero(t, input.Available())
}
