// Package serial opens the serial link to an I2C bridge MCU.
package serial

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// Port is the byte stream the protocol transport runs on
type Port interface {
	io.ReadWriteCloser

	// Flush drops anything buffered in either direction
	Flush() error
}

// Config holds serial port configuration
type Config struct {
	Device string

	// Baud is ignored by USB CDC devices but required by UARTs
	Baud int

	// ReadTimeout of zero blocks until data arrives
	ReadTimeout time.Duration
}

// DefaultConfig returns the Klipper baud rate and a short read timeout
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        250000,
		ReadTimeout: 100 * time.Millisecond,
	}
}

// nativePort wraps a tarm/serial port
type nativePort struct {
	port *serial.Port
}

// Open opens cfg.Device
func Open(cfg *Config) (Port, error) {
	if cfg == nil || cfg.Device == "" {
		return nil, errors.New("serial: device not set")
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}
	return &nativePort{port: port}, nil
}

func (p *nativePort) Read(b []byte) (int, error) {
	n, err := p.port.Read(b)
	// tarm/serial reports a read timeout as io.EOF with no data
	if n == 0 && errors.Is(err, io.EOF) {
		return 0, nil
	}
	return n, err
}

func (p *nativePort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

func (p *nativePort) Close() error {
	return p.port.Close()
}

func (p *nativePort) Flush() error {
	return p.port.Flush()
}
