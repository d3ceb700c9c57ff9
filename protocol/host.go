package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTimeout bounds a command round trip
const DefaultTimeout = 2 * time.Second

var (
	ErrTransportClosed = errors.New("protocol: transport closed")
	ErrAckTimeout      = errors.New("protocol: ACK timeout")
	ErrResponseTimeout = errors.New("protocol: response timeout")
)

// NakError is returned when the device acknowledges with a sequence other
// than the one following the frame just sent
type NakError struct {
	Sent     uint8
	Received uint8
}

func (e *NakError) Error() string {
	return fmt.Sprintf("protocol: NAK after seq 0x%02x, device expects 0x%02x", e.Sent, e.Received)
}

// ResponseHandler receives every non-ACK frame after its command ID has
// been decoded
type ResponseHandler func(cmdID uint16, data *[]byte) error

// HostTransport speaks the framing from the host side: it sends one command
// per frame, waits for the ACK and collects responses on a background reader.
type HostTransport struct {
	port io.ReadWriteCloser

	// seq is the sequence of the next frame to send; guarded by sendMutex
	seq       uint8
	sendMutex sync.Mutex

	inputBuffer *FifoBuffer
	scratch     *ScratchOutput

	ackChan      chan *Message
	responseChan chan *Message

	handlerMutex    sync.Mutex
	responseHandler ResponseHandler

	frameErrors atomic.Uint32

	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once
}

// NewHostTransport wraps port and starts the reader goroutine
func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port:         port,
		seq:          MessageDest,
		inputBuffer:  NewFifoBuffer(MessageMax),
		scratch:      NewScratchOutput(),
		ackChan:      make(chan *Message, 1),
		responseChan: make(chan *Message, 16),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// SendCommand sends a command and waits for its ACK
func (t *HostTransport) SendCommand(cmdID uint16, args func(output OutputBuffer)) error {
	return t.SendCommandWithTimeout(cmdID, args, DefaultTimeout)
}

// SendCommandWithTimeout sends a command with a custom ACK timeout
func (t *HostTransport) SendCommandWithTimeout(cmdID uint16, args func(output OutputBuffer), timeout time.Duration) error {
	t.sendMutex.Lock()
	defer t.sendMutex.Unlock()
	return t.sendLocked(cmdID, args, timeout)
}

// Query sends a command and returns the payload of the first response whose
// command ID is respID, with the ID already stripped
func (t *HostTransport) Query(cmdID uint16, args func(output OutputBuffer), respID uint16, timeout time.Duration) ([]byte, error) {
	t.sendMutex.Lock()
	defer t.sendMutex.Unlock()

	t.drainResponses()
	if err := t.sendLocked(cmdID, args, timeout); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		msg, err := t.ReceiveResponse(time.Until(deadline))
		if err != nil {
			return nil, fmt.Errorf("waiting for response %d: %w", respID, err)
		}
		data := msg.Payload
		id, err := DecodeVLQUint(&data)
		if err != nil {
			continue
		}
		if uint16(id) == respID {
			return data, nil
		}
	}
}

func (t *HostTransport) sendLocked(cmdID uint16, args func(output OutputBuffer), timeout time.Duration) error {
	t.scratch.Reset()
	err := EncodeFrame(t.scratch, t.seq, func(output OutputBuffer) {
		EncodeVLQUint(output, uint32(cmdID))
		if args != nil {
			args(output)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to build command %d: %w", cmdID, err)
	}

	// A late ACK from an earlier timed-out command must not satisfy this one
	select {
	case <-t.ackChan:
	default:
	}

	frame := t.scratch.Result()
	n, err := t.port.Write(frame)
	if err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("incomplete write: %d/%d bytes", n, len(frame))
	}

	return t.waitForAck(timeout)
}

// waitForAck expects the device to report the sequence after the one sent
func (t *HostTransport) waitForAck(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ack := <-t.ackChan:
		expected := NextSequence(t.seq)
		if ack.Sequence != expected {
			return &NakError{Sent: t.seq, Received: ack.Sequence}
		}
		t.seq = expected
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %v", ErrAckTimeout, timeout)
	case <-t.stopChan:
		return ErrTransportClosed
	}
}

// ReceiveResponse returns the next response frame
func (t *HostTransport) ReceiveResponse(timeout time.Duration) (*Message, error) {
	if timeout <= 0 {
		return nil, ErrResponseTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-t.responseChan:
		return resp, nil
	case <-timer.C:
		return nil, ErrResponseTimeout
	case <-t.stopChan:
		return nil, ErrTransportClosed
	}
}

// SetResponseHandler installs a callback invoked for every response frame
func (t *HostTransport) SetResponseHandler(handler ResponseHandler) {
	t.handlerMutex.Lock()
	t.responseHandler = handler
	t.handlerMutex.Unlock()
}

// FrameErrors returns the number of corrupt frames discarded so far
func (t *HostTransport) FrameErrors() uint32 {
	return t.frameErrors.Load()
}

func (t *HostTransport) drainResponses() {
	for {
		select {
		case <-t.responseChan:
		default:
			return
		}
	}
}

func (t *HostTransport) readLoop() {
	defer close(t.doneChan)

	buffer := make([]byte, 256)
	for {
		n, err := t.port.Read(buffer)
		if n > 0 {
			t.receive(buffer[:n])
		}
		if err != nil {
			select {
			case <-t.stopChan:
				return
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (t *HostTransport) receive(data []byte) {
	for len(data) > 0 {
		written := t.inputBuffer.Write(data)
		data = data[written:]
		t.processMessages()
		if written == 0 {
			// Buffer full of garbage that never framed
			t.inputBuffer.Reset()
		}
	}
}

func (t *HostTransport) processMessages() {
	for {
		data := t.inputBuffer.Data()
		msg, n, err := ScanFrame(data)
		if err != nil {
			t.frameErrors.Add(1)
			t.inputBuffer.Pop(Resync(data))
			continue
		}
		if n == 0 {
			return
		}
		t.inputBuffer.Pop(n)
		if msg != nil {
			t.dispatchMessage(msg)
		}
	}
}

func (t *HostTransport) dispatchMessage(msg *Message) {
	if msg.IsAck() {
		select {
		case t.ackChan <- msg:
		default:
			// Keep only the newest ACK
			select {
			case <-t.ackChan:
			default:
			}
			t.ackChan <- msg
		}
		return
	}

	t.handlerMutex.Lock()
	handler := t.responseHandler
	t.handlerMutex.Unlock()
	if handler != nil {
		data := msg.Payload
		if cmdID, err := DecodeVLQUint(&data); err == nil {
			_ = handler(uint16(cmdID), &data)
		}
	}

	select {
	case t.responseChan <- msg:
	default:
		// Full: drop the oldest
		select {
		case <-t.responseChan:
		default:
		}
		t.responseChan <- msg
	}
}

// Close stops the reader and closes the port
func (t *HostTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stopChan)
		if t.port != nil {
			err = t.port.Close()
		}
		<-t.doneChan
	})
	return err
}
