package protocol

// CommandHandler handles one decoded command; data holds the remaining
// frame bytes and the handler consumes its own arguments from it
type CommandHandler func(cmdID uint16, data *[]byte) error

// DeviceTransport is the MCU side of the framing. It validates incoming
// frames, enforces the sequence window and answers every frame with an
// ACK carrying the next expected sequence.
type DeviceTransport struct {
	nextSequence  uint8
	output        OutputBuffer
	handler       CommandHandler
	resetCallback func()
	frameErrors   int
}

// NewDeviceTransport creates a transport writing frames to output
func NewDeviceTransport(output OutputBuffer, handler CommandHandler) *DeviceTransport {
	return &DeviceTransport{
		nextSequence: MessageDest,
		output:       output,
		handler:      handler,
	}
}

// Receive consumes every complete frame in input
func (t *DeviceTransport) Receive(input *FifoBuffer) {
	for {
		data := input.Data()
		msg, n, err := ScanFrame(data)
		if err != nil {
			t.frameErrors++
			input.Pop(Resync(data))
			t.encodeAckNak()
			continue
		}
		if n == 0 {
			return
		}
		input.Pop(n)
		if msg == nil {
			continue
		}
		if msg.Sequence&^MessageSeqMask != MessageDest {
			t.frameErrors++
			continue
		}

		// Sequence back at the start of the window means the host reconnected
		if msg.Sequence == MessageDest && t.nextSequence != MessageDest {
			t.nextSequence = MessageDest
			if t.resetCallback != nil {
				t.resetCallback()
			}
		}

		if msg.Sequence == t.nextSequence {
			t.nextSequence = NextSequence(msg.Sequence)
			t.parseFrame(msg.Payload)
		}
		// Sent for mismatched frames too, where it acts as a NAK
		t.encodeAckNak()
	}
}

func (t *DeviceTransport) parseFrame(frame []byte) {
	for len(frame) > 0 {
		cmdID, err := DecodeVLQUint(&frame)
		if err != nil {
			t.frameErrors++
			return
		}
		if t.handler == nil {
			return
		}
		if err := t.handler(uint16(cmdID), &frame); err != nil {
			return
		}
	}
}

func (t *DeviceTransport) encodeAckNak() {
	_ = EncodeFrame(t.output, t.nextSequence, nil)
}

// SendResponse encodes a response frame using the current sequence
func (t *DeviceTransport) SendResponse(cmdID uint16, args func(output OutputBuffer)) error {
	return EncodeFrame(t.output, t.nextSequence, func(output OutputBuffer) {
		EncodeVLQUint(output, uint32(cmdID))
		if args != nil {
			args(output)
		}
	})
}

// SetResetCallback registers a hook run when the host restarts its sequence
func (t *DeviceTransport) SetResetCallback(callback func()) {
	t.resetCallback = callback
}

// FrameErrors returns the number of rejected frames
func (t *DeviceTransport) FrameErrors() int {
	return t.frameErrors
}
