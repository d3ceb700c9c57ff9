// Package bus carries register transactions to the PWM expander over an
// I2C bus and counts transfer failures.
//
// Calls are synchronous and never retried; the comms error counter is the
// health signal callers report.
package bus

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"tinygo.org/x/drivers"
)

const (
	// NumChannels is the number of addressable PWM channels
	NumChannels = 16

	ledStart = 0x06
)

var ErrChannelRange = errors.New("bus: channel out of range")

// TransferError reports a failed bus transaction
type TransferError struct {
	Op  string
	Reg uint8
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("bus: %s register 0x%02x: %v", e.Op, e.Reg, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Transport addresses one chip on an I2C bus
type Transport struct {
	mu     sync.Mutex
	i2c    drivers.I2C
	addr   uint16
	errors atomic.Uint64
	logger *slog.Logger
	buf    [5]byte
}

// Option configures a Transport
type Option func(*Transport)

// WithLogger sets the logger used for transfer failures
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// New returns a transport for the chip at addr on i2c
func New(i2c drivers.I2C, addr uint16, opts ...Option) *Transport {
	t := &Transport{i2c: i2c, addr: addr, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "bus", "addr", fmt.Sprintf("0x%02x", addr))
	return t
}

// Address returns the 7-bit chip address
func (t *Transport) Address() uint16 {
	return t.addr
}

// ReadRegister selects reg in one transaction and reads it back in a
// second one
func (t *Transport) ReadRegister(reg uint8) (uint8, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf[0] = reg
	if err := t.i2c.Tx(t.addr, t.buf[:1], nil); err != nil {
		return 0, t.fail("read", reg, err)
	}
	var val [1]byte
	if err := t.i2c.Tx(t.addr, nil, val[:]); err != nil {
		return 0, t.fail("read", reg, err)
	}
	return val[0], nil
}

// WriteRegister writes one register
func (t *Transport) WriteRegister(reg, value uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf[0] = reg
	t.buf[1] = value
	if err := t.i2c.Tx(t.addr, t.buf[:2], nil); err != nil {
		return t.fail("write", reg, err)
	}
	return nil
}

// WriteChannel writes the four ON/OFF registers of ch in a single
// auto-incremented transaction. Values are little endian; bit 12 is the
// full-on or full-off flag.
func (t *Transport) WriteChannel(ch uint8, on, off uint16) error {
	if ch >= NumChannels {
		return fmt.Errorf("%w: %d", ErrChannelRange, ch)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	reg := ledStart + 4*ch
	t.buf = [5]byte{reg, uint8(on), uint8(on >> 8), uint8(off), uint8(off >> 8)}
	if err := t.i2c.Tx(t.addr, t.buf[:], nil); err != nil {
		return t.fail("write channel", reg, err)
	}
	return nil
}

func (t *Transport) fail(op string, reg uint8, err error) error {
	n := t.errors.Add(1)
	t.logger.Debug("transfer failed", "op", op, "reg", reg, "comms_errors", n, "err", err)
	return &TransferError{Op: op, Reg: reg, Err: err}
}

// CommsErrors returns the number of failed transactions so far
func (t *Transport) CommsErrors() uint64 {
	return t.errors.Load()
}

// Close releases the underlying bus when it can be closed
func (t *Transport) Close() error {
	if c, ok := t.i2c.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
