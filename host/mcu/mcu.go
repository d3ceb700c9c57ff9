// Package mcu talks to a Klipper-protocol microcontroller over a serial
// link: dictionary retrieval, named commands and queries.
package mcu

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"pcapwm/host/serial"
	"pcapwm/protocol"
)

// The identify pair has fixed IDs so the dictionary can be fetched
const (
	identifyResponseID = 0
	identifyID         = 1
	identifyChunk      = 40
	identifyMaxChunks  = 4096
)

var (
	ErrNoDictionary   = errors.New("mcu: dictionary not loaded")
	ErrUnknownCommand = errors.New("mcu: unknown command")
)

// MCU is a connection to one microcontroller
type MCU struct {
	transport  *protocol.HostTransport
	dictionary *Dictionary
	rawDict    []byte
	timeout    time.Duration
	logger     *slog.Logger
}

// New runs the protocol over an already open stream
func New(port io.ReadWriteCloser, logger *slog.Logger) *MCU {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCU{
		transport: protocol.NewHostTransport(port),
		timeout:   protocol.DefaultTimeout,
		logger:    logger.With("component", "mcu"),
	}
}

// Connect opens the serial port, fetches the dictionary and returns a
// ready MCU
func Connect(cfg *serial.Config, logger *slog.Logger) (*MCU, error) {
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, err
	}

	m := New(port, logger)
	if err := m.RetrieveDictionary(); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

// Close closes the transport and the underlying port
func (m *MCU) Close() error {
	return m.transport.Close()
}

// RetrieveDictionary pulls the dictionary in identify-sized chunks
func (m *MCU) RetrieveDictionary() error {
	var buf bytes.Buffer
	offset := uint32(0)

	for i := 0; i < identifyMaxChunks; i++ {
		chunk, err := m.identify(offset, identifyChunk)
		if err != nil {
			return fmt.Errorf("failed to retrieve dictionary chunk at offset %d: %w", offset, err)
		}
		buf.Write(chunk)
		offset += uint32(len(chunk))
		if len(chunk) < identifyChunk {
			break
		}
	}

	dict, err := ParseDictionary(buf.Bytes())
	if err != nil {
		return err
	}
	m.rawDict = buf.Bytes()
	m.dictionary = dict
	m.logger.Debug("dictionary loaded",
		"bytes", len(m.rawDict), "version", dict.Version,
		"commands", len(dict.Commands), "responses", len(dict.Responses))
	return nil
}

func (m *MCU) identify(offset uint32, count uint8) ([]byte, error) {
	payload, err := m.transport.Query(identifyID, func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQUint(output, uint32(count))
	}, identifyResponseID, m.timeout)
	if err != nil {
		return nil, err
	}

	respOffset, err := protocol.DecodeVLQUint(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response offset: %w", err)
	}
	if respOffset != offset {
		return nil, fmt.Errorf("offset mismatch: expected %d, got %d", offset, respOffset)
	}
	data, err := protocol.DecodeVLQBytes(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response data: %w", err)
	}
	return append([]byte(nil), data...), nil
}

// Dictionary returns the parsed dictionary, nil before retrieval
func (m *MCU) Dictionary() *Dictionary {
	return m.dictionary
}

// RawDictionary returns the dictionary as received
func (m *MCU) RawDictionary() []byte {
	return m.rawDict
}

// SendCommand sends a command by name and waits for the ACK
func (m *MCU) SendCommand(name string, args func(output protocol.OutputBuffer)) error {
	id, err := m.commandID(name)
	if err != nil {
		return err
	}
	if err := m.transport.SendCommandWithTimeout(id, args, m.timeout); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Query sends a command by name and returns the arguments of the named
// response
func (m *MCU) Query(name string, args func(output protocol.OutputBuffer), response string) ([]byte, error) {
	id, err := m.commandID(name)
	if err != nil {
		return nil, err
	}
	respID, ok := m.dictionary.ResponseID(response)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, response)
	}
	data, err := m.transport.Query(id, args, respID, m.timeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return data, nil
}

func (m *MCU) commandID(name string) (uint16, error) {
	if m.dictionary == nil {
		return 0, ErrNoDictionary
	}
	id, ok := m.dictionary.CommandID(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return id, nil
}

// SetTimeout changes how long commands wait for an ACK or response
func (m *MCU) SetTimeout(d time.Duration) {
	m.timeout = d
}

// Config is the MCU's answer to get_config
type Config struct {
	IsConfig   bool
	CRC        uint32
	IsShutdown bool
	MoveCount  uint32
}

// GetConfig queries the configuration and shutdown state
func (m *MCU) GetConfig() (Config, error) {
	data, err := m.Query("get_config", nil, "config")
	if err != nil {
		return Config{}, err
	}
	var vals [4]uint32
	for i := range vals {
		if vals[i], err = protocol.DecodeVLQUint(&data); err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
	}
	return Config{IsConfig: vals[0] != 0, CRC: vals[1], IsShutdown: vals[2] != 0, MoveCount: vals[3]}, nil
}

// FrameErrors reports corrupt frames seen on the link
func (m *MCU) FrameErrors() uint32 {
	return m.transport.FrameErrors()
}
