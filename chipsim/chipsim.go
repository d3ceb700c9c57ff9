// Package chipsim is a software PCA9685 that sits behind drivers.I2C.
//
// It models the register file with auto-increment, the ALL_LED broadcast
// registers and the rule that PRESCALE only latches while the oscillator
// is asleep. Every transaction is logged with a timestamp, and faults can
// be injected per transaction.
package chipsim

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	regMode1    = 0x00
	regMode2    = 0x01
	regLEDStart = 0x06
	regLEDEnd   = regLEDStart + 4*NumChannels
	regAllLED   = 0xFA
	regPrescale = 0xFE

	mode1Restart = 0x80
	mode1AI      = 0x20
	mode1Sleep   = 0x10

	// NumChannels is the number of PWM outputs on the chip
	NumChannels = 16

	// DefaultPrescale is the power-on PRESCALE value (200 Hz)
	DefaultPrescale = 0x1E

	oscillatorHz = 25000000
)

// ErrNoDevice is returned for transactions to another address
var ErrNoDevice = errors.New("chipsim: no device at address")

// Transaction is one logged bus transaction
type Transaction struct {
	At      time.Time
	Addr    uint16
	Write   []byte
	ReadLen int
	Err     error
}

// Fault decides whether a transaction fails. A non-nil error aborts the
// transaction before it touches the register file.
type Fault func(tx Transaction) error

// Chip is a simulated PCA9685
type Chip struct {
	mu      sync.Mutex
	addr    uint16
	clock   clockwork.Clock
	regs    [256]byte
	pointer uint8
	log     []Transaction
	fault   Fault
}

// Option configures a Chip
type Option func(*Chip)

// WithClock timestamps transactions from clock
func WithClock(clock clockwork.Clock) Option {
	return func(c *Chip) { c.clock = clock }
}

// New returns a chip answering at addr in its power-on state
func New(addr uint16, opts ...Option) *Chip {
	c := &Chip{addr: addr, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(c)
	}
	c.powerOn()
	return c
}

func (c *Chip) powerOn() {
	c.regs = [256]byte{}
	c.regs[regMode1] = mode1Sleep | 0x01
	c.regs[regMode2] = 0x04
	c.regs[regPrescale] = DefaultPrescale
	for ch := 0; ch < NumChannels; ch++ {
		c.regs[regLEDStart+4*ch+3] = 0x10
	}
	c.pointer = 0
}

// Tx implements drivers.I2C. A write sets the register pointer from its
// first byte and stores the rest; a read returns bytes from the pointer.
func (c *Chip) Tx(addr uint16, w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx := Transaction{
		At:      c.clock.Now(),
		Addr:    addr,
		Write:   append([]byte(nil), w...),
		ReadLen: len(r),
	}
	if addr != c.addr {
		tx.Err = ErrNoDevice
	} else if c.fault != nil {
		tx.Err = c.fault(tx)
	}
	c.log = append(c.log, tx)
	if tx.Err != nil {
		return tx.Err
	}

	if len(w) > 0 {
		c.pointer = w[0]
		for _, b := range w[1:] {
			c.store(c.pointer, b)
			c.advance()
		}
	}
	for i := range r {
		r[i] = c.regs[c.pointer]
		c.advance()
	}
	return nil
}

func (c *Chip) advance() {
	if c.regs[regMode1]&mode1AI != 0 {
		c.pointer++
	}
}

func (c *Chip) store(reg, val byte) {
	switch {
	case reg == regMode1:
		// A restart completes immediately, so the bit never reads back set
		c.regs[regMode1] = val &^ mode1Restart
	case reg == regPrescale:
		if c.regs[regMode1]&mode1Sleep != 0 {
			c.regs[regPrescale] = val
		}
	case reg >= regAllLED && reg < regAllLED+4:
		for ch := 0; ch < NumChannels; ch++ {
			c.regs[regLEDStart+4*ch+int(reg-regAllLED)] = val
		}
	default:
		c.regs[reg] = val
	}
}

// SetFault installs f for every later transaction; nil clears it
func (c *Chip) SetFault(f Fault) {
	c.mu.Lock()
	c.fault = f
	c.mu.Unlock()
}

// FailAll makes every transaction fail with err
func (c *Chip) FailAll(err error) {
	c.SetFault(func(Transaction) error { return err })
}

// FailRegister fails writes whose first byte is reg
func (c *Chip) FailRegister(reg byte, err error) {
	c.SetFault(func(tx Transaction) error {
		if len(tx.Write) > 1 && tx.Write[0] == reg {
			return err
		}
		return nil
	})
}

// Register returns the current value of reg
func (c *Chip) Register(reg byte) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[reg]
}

// Channel returns the 13-bit ON and OFF values of ch, where 4096 is the
// full-on or full-off bit
func (c *Chip) Channel(ch int) (on, off uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := regLEDStart + 4*ch
	on = uint16(c.regs[base+1]&0x1F)<<8 | uint16(c.regs[base])
	off = uint16(c.regs[base+3]&0x1F)<<8 | uint16(c.regs[base+2])
	return on, off
}

// Prescale returns the latched PRESCALE value
func (c *Chip) Prescale() byte {
	return c.Register(regPrescale)
}

// Asleep reports whether the oscillator is off
func (c *Chip) Asleep() bool {
	return c.Register(regMode1)&mode1Sleep != 0
}

// Frequency returns the PWM frequency implied by PRESCALE
func (c *Chip) Frequency() float64 {
	return oscillatorHz / (4096 * (float64(c.Prescale()) + 1))
}

// Transactions returns a copy of the log
func (c *Chip) Transactions() []Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transaction(nil), c.log...)
}

// Writes returns the write payloads of successful transactions that
// carried data after the register byte
func (c *Chip) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, tx := range c.log {
		if tx.Err == nil && len(tx.Write) > 1 {
			out = append(out, tx.Write)
		}
	}
	return out
}

// ClearLog empties the transaction log
func (c *Chip) ClearLog() {
	c.mu.Lock()
	c.log = nil
	c.mu.Unlock()
}

// PowerCycle restores the power-on register state
func (c *Chip) PowerCycle() {
	c.mu.Lock()
	c.powerOn()
	c.mu.Unlock()
}
