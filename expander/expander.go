// Package expander drives a PCA9685 16-channel PWM expander: pulse
// encoding, channel writes and output frequency calibration.
package expander

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
	"tinygo.org/x/drivers/pca9685"
)

const (
	regMode1    = pca9685.MODE1
	regPrescale = pca9685.PRESCALE

	mode1Restart = pca9685.RESET
	mode1AI      = pca9685.AI
	mode1Sleep   = pca9685.SLEEP
	mode1AllCall = 0x01

	// MaxTick is the largest 12-bit pulse position
	MaxTick = 4095

	// FullTick sets the full-on/full-off bit of an ON or OFF register pair
	FullTick = 4096

	oscillatorHz = 25000000

	// The internal oscillator runs fast; requested frequencies are
	// corrected down before computing the prescaler
	frequencyCorrection = 0.9

	oscillatorSettle = 5 * time.Millisecond
)

var ErrFrequency = errors.New("expander: frequency must be positive")

// Registers is the register access the chip needs; *bus.Transport
// implements it
type Registers interface {
	ReadRegister(reg uint8) (uint8, error)
	WriteRegister(reg, value uint8) error
	WriteChannel(ch uint8, on, off uint16) error
}

// PulseCommand is the ON/OFF pair written to one channel
type PulseCommand struct {
	On  uint16
	Off uint16
}

// Encode maps a 12-bit duty value to a pulse, using the full-on and
// full-off flags at the ends of the range. Values above MaxTick are
// clamped.
func Encode(value uint16, invert bool) PulseCommand {
	if value > MaxTick {
		value = MaxTick
	}
	if invert {
		switch value {
		case 0:
			return PulseCommand{On: FullTick, Off: 0}
		case MaxTick:
			return PulseCommand{On: 0, Off: FullTick}
		}
		return PulseCommand{On: 0, Off: MaxTick - value}
	}
	switch value {
	case MaxTick:
		return PulseCommand{On: FullTick, Off: 0}
	case 0:
		return PulseCommand{On: 0, Off: FullTick}
	}
	return PulseCommand{On: 0, Off: value}
}

// Prescale returns the PRESCALE register value for hz
func Prescale(hz float64) (uint8, error) {
	if !(hz > 0) || math.IsInf(hz, 0) {
		return 0, fmt.Errorf("%w: %v", ErrFrequency, hz)
	}
	p := math.Round(oscillatorHz/4096/(hz*frequencyCorrection)) - 1
	return uint8(max(0, min(255, p))), nil
}

// Chip is one PCA9685
type Chip struct {
	regs   Registers
	clock  clockwork.Clock
	logger *slog.Logger
}

// Option configures a Chip
type Option func(*Chip)

// WithClock replaces the clock used for the oscillator settle delay
func WithClock(clock clockwork.Clock) Option {
	return func(c *Chip) { c.clock = clock }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Chip) { c.logger = logger }
}

// New returns a chip driven through regs
func New(regs Registers, opts ...Option) *Chip {
	c := &Chip{regs: regs, clock: clockwork.NewRealClock(), logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "expander")
	return c
}

// Reset clears MODE1, waking the oscillator with auto-increment off
func (c *Chip) Reset() error {
	if err := c.regs.WriteRegister(regMode1, 0); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// SetPWM writes raw ON/OFF values to ch
func (c *Chip) SetPWM(ch uint8, cmd PulseCommand) error {
	return c.regs.WriteChannel(ch, cmd.On, cmd.Off)
}

// SetPin encodes value and writes it to ch
func (c *Chip) SetPin(ch uint8, value uint16, invert bool) error {
	return c.SetPWM(ch, Encode(value, invert))
}

// SetFrequency reprograms the output frequency. The prescaler only latches
// while the oscillator sleeps, so the chip is put to sleep, PRESCALE is
// written, MODE1 is restored and, after the oscillator settles, the outputs
// are restarted with auto-increment and all-call enabled.
//
// A failure after the sleep step leaves the chip asleep with all outputs
// off. Call SetFrequency again or Reset to recover.
func (c *Chip) SetFrequency(hz float64) error {
	prescale, err := Prescale(hz)
	if err != nil {
		return err
	}

	old, err := c.regs.ReadRegister(regMode1)
	if err != nil {
		return fmt.Errorf("set frequency: read mode1: %w", err)
	}
	if err := c.regs.WriteRegister(regMode1, old&^mode1Restart|mode1Sleep); err != nil {
		return fmt.Errorf("set frequency: sleep: %w", err)
	}
	if err := c.regs.WriteRegister(regPrescale, prescale); err != nil {
		return fmt.Errorf("set frequency: prescale: %w", err)
	}
	if err := c.regs.WriteRegister(regMode1, old); err != nil {
		return fmt.Errorf("set frequency: restore mode1: %w", err)
	}
	c.clock.Sleep(oscillatorSettle)
	if err := c.regs.WriteRegister(regMode1, old|mode1Restart|mode1AI|mode1AllCall); err != nil {
		return fmt.Errorf("set frequency: restart: %w", err)
	}

	c.logger.Debug("frequency set", "hz", hz, "prescale", prescale)
	return nil
}
