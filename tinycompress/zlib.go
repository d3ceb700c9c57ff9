// Package tinycompress writes zlib streams made of stored DEFLATE blocks.
//
// Nothing is actually compressed. The output is what firmware without a
// DEFLATE encoder sends as its data dictionary, and any zlib reader
// inflates it.
package tinycompress

import (
	"encoding/binary"
	"errors"
	"hash"
	"hash/adler32"
	"io"
)

// zlib header for a 32K window with default compression; it must be a
// multiple of 31 when read as a big-endian uint16
var header = [2]byte{0x78, 0x9C}

// maxStored is the largest payload of one stored block
const maxStored = 0xFFFF

var ErrClosed = errors.New("tinycompress: write after close")

// Writer buffers everything written and emits the zlib stream on Close
type Writer struct {
	out    io.Writer
	buf    []byte
	adler  hash.Hash32
	closed bool
}

// NewWriter returns a Writer emitting to w
func NewWriter(w io.Writer) *Writer {
	return &Writer{out: w, adler: adler32.New()}
}

// Write implements io.Writer
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	w.buf = append(w.buf, p...)
	w.adler.Write(p)
	return len(p), nil
}

// Close writes the header, the stored blocks and the Adler-32 trailer
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	stream := make([]byte, 0, len(header)+len(w.buf)+5*(len(w.buf)/maxStored+1)+4)
	stream = append(stream, header[:]...)

	data := w.buf
	for {
		n := min(len(data), maxStored)
		final := n == len(data)

		var bfinal byte
		if final {
			bfinal = 1
		}
		stream = append(stream, bfinal)
		stream = binary.LittleEndian.AppendUint16(stream, uint16(n))
		stream = binary.LittleEndian.AppendUint16(stream, ^uint16(n))
		stream = append(stream, data[:n]...)

		data = data[n:]
		if final {
			break
		}
	}
	stream = binary.BigEndian.AppendUint32(stream, w.adler.Sum32())

	_, err := w.out.Write(stream)
	return err
}

// Compress returns p wrapped as a zlib stream
func Compress(p []byte) []byte {
	var b sliceWriter
	w := NewWriter(&b)
	_, _ = w.Write(p)
	_ = w.Close()
	return b
}

type sliceWriter []byte

func (s *sliceWriter) Write(p []byte) (int, error) {
	*s = append(*s, p...)
	return len(p), nil
}
