// Package protocol implements the Klipper message framing used to reach an
// I2C bridge MCU over a serial link.
//
// A frame is laid out as
//
//	[len][seq][payload ...][crc_hi][crc_lo][0x7E]
//
// where len counts the whole frame and the CRC covers header and payload.
// An empty payload is an ACK/NAK carrying the receiver's next expected
// sequence number.
package protocol

// Frame layout constants
const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E

	// MessageDest is set in the high nibble of every sequence byte
	MessageDest       = 0x10
	MessageSeqMask    = 0x0F
	MessagePayloadMax = MessageLengthMax - MessageLengthMin

	// MessageMax sizes scratch buffers; it covers several frames
	MessageMax = 512
)

// Message is one decoded frame
type Message struct {
	Length   uint8
	Sequence uint8
	Payload  []byte // Frame data without header/trailer
	CRC      uint16
}

// IsAck reports whether the frame carries no payload
func (m *Message) IsAck() bool {
	return len(m.Payload) == 0
}

// NextSequence advances a sequence byte within the 0x10-0x1F window
func NextSequence(seq uint8) uint8 {
	return ((seq + 1) & MessageSeqMask) | MessageDest
}
