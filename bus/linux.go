package bus

import (
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3/sysfs"
)

// OpenLinux opens /dev/i2c-<busNumber> through the kernel i2c-dev
// interface. speed is best effort: most kernels fix the bus clock in the
// device tree and refuse to change it.
func OpenLinux(busNumber int, speed physic.Frequency, logger *slog.Logger) (*sysfs.I2C, error) {
	b, err := sysfs.NewI2C(busNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to open i2c bus %d: %w", busNumber, err)
	}
	if speed > 0 {
		if err := b.SetSpeed(speed); err != nil && logger != nil {
			logger.Warn("bus speed unchanged", "bus", b.String(), "speed", speed.String(), "err", err)
		}
	}
	return b, nil
}
