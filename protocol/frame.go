package protocol

import "errors"

var (
	ErrFrameLength  = errors.New("protocol: invalid frame length")
	ErrFrameSync    = errors.New("protocol: missing trailing sync byte")
	ErrFrameCRC     = errors.New("protocol: frame CRC mismatch")
	ErrFrameTooLong = errors.New("protocol: payload exceeds frame size")
)

// EncodeFrame appends one frame with sequence seq to output. payload writes
// the frame contents and may be nil for an ACK.
func EncodeFrame(output OutputBuffer, seq uint8, payload func(output OutputBuffer)) error {
	cursor := output.CurPosition()
	output.Output([]byte{0, seq})
	if payload != nil {
		payload(output)
	}

	length := len(output.DataSince(cursor)) + MessageTrailerSize
	if length > MessageLengthMax {
		return ErrFrameTooLong
	}
	output.Update(cursor, uint8(length))

	crc := CRC16(output.DataSince(cursor))
	output.Output([]byte{uint8(crc >> 8), uint8(crc), MessageValueSync})
	return nil
}

// ScanFrame decodes the frame at the start of data. It returns the number
// of bytes consumed; n == 0 with a nil error means more input is needed.
// Leading sync bytes are consumed without producing a message. Any error
// means the stream lost sync and the caller should drop bytes up to the
// next sync byte (see Resync).
func ScanFrame(data []byte) (msg *Message, n int, err error) {
	if len(data) == 0 {
		return nil, 0, nil
	}
	if data[0] == MessageValueSync {
		return nil, 1, nil
	}
	if len(data) < MessageLengthMin {
		return nil, 0, nil
	}

	msgLen := int(data[MessagePositionLen])
	if msgLen < MessageLengthMin || msgLen > MessageLengthMax {
		return nil, 0, ErrFrameLength
	}
	if len(data) < msgLen {
		return nil, 0, nil
	}
	if data[msgLen-MessageTrailerSync] != MessageValueSync {
		return nil, 0, ErrFrameSync
	}

	frameCRC := uint16(data[msgLen-MessageTrailerCRC])<<8 | uint16(data[msgLen-MessageTrailerCRC+1])
	if frameCRC != CRC16(data[:msgLen-MessageTrailerSize]) {
		return nil, 0, ErrFrameCRC
	}

	payload := make([]byte, msgLen-MessageLengthMin)
	copy(payload, data[MessageHeaderSize:msgLen-MessageTrailerSize])
	return &Message{
		Length:   data[MessagePositionLen],
		Sequence: data[MessagePositionSeq],
		Payload:  payload,
		CRC:      frameCRC,
	}, msgLen, nil
}

// Resync returns how many bytes to drop to get past the next sync byte
func Resync(data []byte) int {
	for i, b := range data {
		if b == MessageValueSync {
			return i + 1
		}
	}
	return len(data)
}
