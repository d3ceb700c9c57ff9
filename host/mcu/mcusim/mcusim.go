// Package mcusim emulates the I2C side of a Klipper-protocol microcontroller.
//
// Firmware serves the Klipper framing on any byte stream, answers identify
// with its data dictionary and forwards i2c_write and i2c_read to a local
// drivers.I2C, typically a chipsim.Chip. It lets the serial bridge run
// end to end without hardware.
package mcusim

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"tinygo.org/x/drivers"

	"pcapwm/protocol"
	"pcapwm/tinycompress"
)

// message is one dictionary entry; its index is its ID
type message struct {
	name     string
	format   string
	response bool
}

// identify_response and identify must keep IDs 0 and 1
var messages = []message{
	{"identify_response", "offset=%u data=%*s", true},
	{"identify", "offset=%u count=%c", false},
	{"get_config", "", false},
	{"config", "is_config=%c crc=%u is_shutdown=%c move_count=%hu", true},
	{"finalize_config", "crc=%u", false},
	{"allocate_oids", "count=%c", false},
	{"config_i2c", "oid=%c", false},
	{"i2c_set_bus", "oid=%c i2c_bus=%u rate=%u address=%u", false},
	{"i2c_write", "oid=%c data=%*s", false},
	{"i2c_read", "oid=%c reg=%*s read_len=%u", false},
	{"i2c_read_response", "oid=%c response=%*s", true},
}

func messageID(name string) uint16 {
	for i, m := range messages {
		if m.name == name {
			return uint16(i)
		}
	}
	panic("mcusim: no message " + name)
}

var errShutdown = errors.New("mcusim: shut down")

type device struct {
	bus     uint32
	rate    uint32
	address uint16
	ready   bool
}

// Firmware is one emulated MCU
type Firmware struct {
	i2c        drivers.I2C
	compress   bool
	dictionary []byte

	mu        sync.Mutex
	oids      int
	devices   map[uint8]*device
	finalized bool
	crc       uint32
	shutdown  string
	transport *protocol.DeviceTransport
	out       *protocol.ScratchOutput
}

// Option configures Firmware
type Option func(*Firmware)

// WithCompressedDictionary serves the dictionary zlib-compressed
func WithCompressedDictionary() Option {
	return func(f *Firmware) {
		f.compress = true
	}
}

// New creates firmware forwarding I2C traffic to i2c
func New(i2c drivers.I2C, opts ...Option) *Firmware {
	f := &Firmware{i2c: i2c, devices: make(map[uint8]*device)}
	for _, opt := range opts {
		opt(f)
	}
	f.dictionary = f.buildDictionary()
	f.out = protocol.NewScratchOutput()
	f.transport = protocol.NewDeviceTransport(f.out, f.handle)
	f.transport.SetResetCallback(f.reset)
	return f
}

func (f *Firmware) buildDictionary() []byte {
	commands := make(map[string]int)
	responses := make(map[string]int)
	for id, m := range messages {
		key := m.name
		if m.format != "" {
			key += " " + m.format
		}
		if m.response {
			responses[key] = id
		} else {
			commands[key] = id
		}
	}
	data, err := json.Marshal(map[string]any{
		"version":        "mcusim",
		"build_versions": "go",
		"config":         map[string]any{"MCU": "mcusim", "CLOCK_FREQ": 12000000},
		"commands":       commands,
		"responses":      responses,
	})
	if err != nil {
		panic(err)
	}
	if !f.compress {
		return data
	}
	return tinycompress.Compress(data)
}

// Dictionary returns the dictionary bytes as served
func (f *Firmware) Dictionary() []byte {
	return f.dictionary
}

// Serve runs the firmware on rw until a read or write fails
func (f *Firmware) Serve(rw io.ReadWriter) error {
	input := protocol.NewFifoBuffer(protocol.MessageMax)
	buf := make([]byte, protocol.MessageLengthMax)
	for {
		n, err := rw.Read(buf)
		if err != nil {
			return err
		}

		f.mu.Lock()
		input.Write(buf[:n])
		f.transport.Receive(input)
		var pending []byte
		if f.out.CurPosition() > 0 {
			pending = append(pending, f.out.Result()...)
			f.out.Reset()
		}
		f.mu.Unlock()

		if len(pending) > 0 {
			if _, err := rw.Write(pending); err != nil {
				return err
			}
		}
	}
}

// Finalized reports whether finalize_config was received
func (f *Firmware) Finalized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalized
}

// Shutdown returns the reason the firmware shut down, empty while running
func (f *Firmware) Shutdown() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdown
}

// FrameErrors returns the number of rejected frames
func (f *Firmware) FrameErrors() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transport.FrameErrors()
}

// reset runs when the host restarts its sequence; configuration survives
// as on real firmware
func (f *Firmware) reset() {}

func (f *Firmware) enterShutdown(reason string) {
	f.shutdown = reason
	for _, d := range f.devices {
		d.ready = false
	}
}

// handle runs with f.mu held from Serve
func (f *Firmware) handle(cmdID uint16, data *[]byte) error {
	if int(cmdID) >= len(messages) || messages[cmdID].response {
		return fmt.Errorf("mcusim: unexpected message %d", cmdID)
	}

	args, err := decodeArgs(messages[cmdID].format, data)
	if err != nil {
		return err
	}

	switch messages[cmdID].name {
	case "identify":
		return f.identify(args[0], args[1])
	case "get_config":
		return f.transport.SendResponse(messageID("config"), func(o protocol.OutputBuffer) {
			protocol.EncodeVLQUint(o, boolArg(f.finalized))
			protocol.EncodeVLQUint(o, f.crc)
			protocol.EncodeVLQUint(o, boolArg(f.shutdown != ""))
			protocol.EncodeVLQUint(o, 16)
		})
	case "finalize_config":
		f.finalized = true
		f.crc = args[0].(uint32)
	case "allocate_oids":
		f.oids = int(args[0].(uint32))
	case "config_i2c":
		oid := uint8(args[0].(uint32))
		if int(oid) >= f.oids {
			f.enterShutdown("oid out of range")
			return errShutdown
		}
		f.devices[oid] = &device{}
	case "i2c_set_bus":
		d, ok := f.devices[uint8(args[0].(uint32))]
		if !ok {
			return nil
		}
		d.bus = args[1].(uint32)
		d.rate = args[2].(uint32)
		d.address = uint16(args[3].(uint32) & 0x7F)
		d.ready = f.shutdown == ""
	case "i2c_write":
		d, ok := f.devices[uint8(args[0].(uint32))]
		if !ok || !d.ready {
			return nil
		}
		if err := f.i2c.Tx(d.address, args[1].([]byte), nil); err != nil {
			f.enterShutdown("I2C write error")
			return err
		}
	case "i2c_read":
		oid := args[0].(uint32)
		d, ok := f.devices[uint8(oid)]
		if !ok || !d.ready {
			return nil
		}
		resp := make([]byte, args[2].(uint32))
		if err := f.i2c.Tx(d.address, args[1].([]byte), resp); err != nil {
			f.enterShutdown("I2C read error")
			return err
		}
		return f.transport.SendResponse(messageID("i2c_read_response"), func(o protocol.OutputBuffer) {
			protocol.EncodeVLQUint(o, oid)
			protocol.EncodeVLQBytes(o, resp)
		})
	}
	return nil
}

func (f *Firmware) identify(offsetArg, countArg any) error {
	offset, count := offsetArg.(uint32), countArg.(uint32)
	var chunk []byte
	if int(offset) < len(f.dictionary) {
		end := min(int(offset)+int(count), len(f.dictionary))
		chunk = f.dictionary[offset:end]
	}
	return f.transport.SendResponse(messageID("identify_response"), func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, offset)
		protocol.EncodeVLQBytes(o, chunk)
	})
}

// decodeArgs pulls one value per name=%fmt field: []byte for %*s,
// uint32 otherwise
func decodeArgs(format string, data *[]byte) ([]any, error) {
	var args []any
	for _, field := range fieldsOf(format) {
		if field == "%*s" {
			b, err := protocol.DecodeVLQBytes(data)
			if err != nil {
				return nil, err
			}
			args = append(args, append([]byte(nil), b...))
			continue
		}
		v, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

func fieldsOf(format string) []string {
	var out []string
	for _, f := range bytes.Fields([]byte(format)) {
		if i := bytes.IndexByte(f, '='); i >= 0 {
			out = append(out, string(f[i+1:]))
		}
	}
	return out
}

func boolArg(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
