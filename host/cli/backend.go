package cli

import (
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/physic"
	"tinygo.org/x/drivers"

	"pcapwm/bus"
	"pcapwm/chipsim"
	"pcapwm/config"
	"pcapwm/host/mcu"
	"pcapwm/host/serial"
)

// Opener returns the I2C bus the expander sits on. If the result also
// implements io.Closer it is closed when the driver stops.
type Opener func(cfg config.BusConfig, logger *slog.Logger) (drivers.I2C, error)

// OpenBus opens the backend named in cfg
func OpenBus(cfg config.BusConfig, logger *slog.Logger) (drivers.I2C, error) {
	switch cfg.Backend {
	case config.BackendLinux:
		b, err := bus.OpenLinux(cfg.Number, physic.Frequency(cfg.SpeedHz)*physic.Hertz, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendMCU:
		return openBridge(cfg, logger)
	case config.BackendSim:
		return chipsim.New(cfg.Address), nil
	}
	return nil, fmt.Errorf("unknown bus backend %q", cfg.Backend)
}

// bridgeBus closes the MCU connection along with the bus
type bridgeBus struct {
	*mcu.I2CDevice
	mcu *mcu.MCU
}

func (b *bridgeBus) Close() error {
	return b.mcu.Close()
}

func openBridge(cfg config.BusConfig, logger *slog.Logger) (drivers.I2C, error) {
	sc := serial.DefaultConfig(cfg.Serial.Device)
	sc.Baud = cfg.Serial.Baud

	m, err := mcu.Connect(sc, logger)
	if err != nil {
		return nil, err
	}
	dev, err := m.ConfigureI2C(cfg.Serial.I2CBus, uint32(cfg.SpeedHz), cfg.Address)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	return &bridgeBus{I2CDevice: dev, mcu: m}, nil
}
