package mcu

import (
	"errors"
	"fmt"
	"sync"

	"pcapwm/protocol"
)

var (
	ErrAddressMismatch = errors.New("mcu: transaction for an address the bridge is not configured for")
	ErrConfigured      = errors.New("mcu: already configured")
	ErrShutdown        = errors.New("mcu: in shutdown")
)

// I2CDevice forwards I2C transactions for one chip address through the
// MCU's i2c_write and i2c_read commands. It satisfies drivers.I2C.
type I2CDevice struct {
	mcu     *MCU
	oid     uint8
	address uint16

	mu sync.Mutex
}

// ConfigureI2C allocates one object on the MCU and binds it to addr on
// the given bus. The MCU configuration is finalized afterwards, so this is
// called once per connection.
func (m *MCU) ConfigureI2C(bus, rate uint32, addr uint16) (*I2CDevice, error) {
	const oid = 0

	state, err := m.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to configure i2c: %w", err)
	}
	switch {
	case state.IsShutdown:
		return nil, ErrShutdown
	case state.IsConfig:
		return nil, ErrConfigured
	}

	steps := []struct {
		name string
		args func(output protocol.OutputBuffer)
	}{
		{"allocate_oids", func(o protocol.OutputBuffer) {
			protocol.EncodeVLQUint(o, 1)
		}},
		{"config_i2c", func(o protocol.OutputBuffer) {
			protocol.EncodeVLQUint(o, oid)
		}},
		{"i2c_set_bus", func(o protocol.OutputBuffer) {
			protocol.EncodeVLQUint(o, oid)
			protocol.EncodeVLQUint(o, bus)
			protocol.EncodeVLQUint(o, rate)
			protocol.EncodeVLQUint(o, uint32(addr))
		}},
		{"finalize_config", func(o protocol.OutputBuffer) {
			protocol.EncodeVLQUint(o, 0)
		}},
	}
	for _, step := range steps {
		if err := m.SendCommand(step.name, step.args); err != nil {
			return nil, fmt.Errorf("failed to configure i2c: %w", err)
		}
	}

	m.logger.Info("i2c bridge configured", "bus", bus, "rate", rate, "address", fmt.Sprintf("0x%02x", addr))
	return &I2CDevice{mcu: m, oid: oid, address: addr}, nil
}

// Tx writes w and, when r is not empty, reads len(r) bytes back
func (d *I2CDevice) Tx(addr uint16, w, r []byte) error {
	if addr != d.address {
		return fmt.Errorf("%w: 0x%02x", ErrAddressMismatch, addr)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(r) == 0 {
		return d.mcu.SendCommand("i2c_write", func(o protocol.OutputBuffer) {
			protocol.EncodeVLQUint(o, uint32(d.oid))
			protocol.EncodeVLQBytes(o, w)
		})
	}

	data, err := d.mcu.Query("i2c_read", func(o protocol.OutputBuffer) {
		protocol.EncodeVLQUint(o, uint32(d.oid))
		protocol.EncodeVLQBytes(o, w)
		protocol.EncodeVLQUint(o, uint32(len(r)))
	}, "i2c_read_response")
	if err != nil {
		return err
	}

	if _, err := protocol.DecodeVLQUint(&data); err != nil {
		return fmt.Errorf("i2c_read_response: %w", err)
	}
	resp, err := protocol.DecodeVLQBytes(&data)
	if err != nil {
		return fmt.Errorf("i2c_read_response: %w", err)
	}
	if len(resp) != len(r) {
		return fmt.Errorf("i2c_read_response: got %d bytes, want %d", len(resp), len(r))
	}
	copy(r, resp)
	return nil
}
