// Package config loads the pcapwm YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"pcapwm/driver"
	"pcapwm/logging"
)

// Bus backends
const (
	BackendLinux = "linux"
	BackendMCU   = "mcu"
	BackendSim   = "sim"
)

// Config is the whole file
type Config struct {
	Bus      BusConfig       `yaml:"bus"`
	PWM      PWMConfig       `yaml:"pwm"`
	Loop     LoopConfig      `yaml:"loop"`
	Control  ControlConfig   `yaml:"control"`
	Mixer    MixerConfig     `yaml:"mixer"`
	Log      logging.Options `yaml:"log"`
	Realtime RealtimeConfig  `yaml:"realtime"`
}

// BusConfig selects how the expander is reached
type BusConfig struct {
	Backend string       `yaml:"backend"`
	Number  int          `yaml:"number"`
	Address uint16       `yaml:"address"`
	SpeedHz int64        `yaml:"speed_hz"`
	Serial  SerialConfig `yaml:"serial"`
}

// SerialConfig is the MCU bridge port and the MCU's I2C bus
type SerialConfig struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
	I2CBus uint32 `yaml:"i2c_bus"`
}

// PWMConfig is the pulse mapping
type PWMConfig struct {
	Frequency        float64 `yaml:"frequency"`
	Min              uint16  `yaml:"min"`
	Max              uint16  `yaml:"max"`
	MaxDeflectionDeg float64 `yaml:"max_deflection_deg"`
	Invert           []int   `yaml:"invert"`
}

// LoopConfig tunes the control loop
type LoopConfig struct {
	GateOutputs bool          `yaml:"gate_outputs"`
	RampTime    time.Duration `yaml:"ramp_time"`
}

// ControlConfig enables the network control ingest
type ControlConfig struct {
	UDPListen string `yaml:"udp_listen"`
}

// MixerConfig names a mixer definition loaded at start
type MixerConfig struct {
	File string `yaml:"file"`
}

// RealtimeConfig holds process-level real-time settings
type RealtimeConfig struct {
	LockMemory bool `yaml:"lock_memory"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Backend: BackendLinux,
			Number:  1,
			Address: 0x40,
			SpeedHz: 100_000,
			Serial:  SerialConfig{Device: "/dev/ttyACM0", Baud: 250000},
		},
		PWM: PWMConfig{
			Frequency:        driver.DefaultFrequency,
			Min:              driver.DefaultPWMMin,
			Max:              driver.DefaultPWMMax,
			MaxDeflectionDeg: driver.DefaultMaxDeflection,
		},
		Loop: LoopConfig{RampTime: driver.DefaultRampTime},
		Log:  logging.Options{Level: "info", Format: "text"},
	}
}

// Load reads and validates the file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates. Keys present in the
// file win, including explicit zeros such as bus number 0. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in values that depend on other settings
func applyDefaults(cfg *Config) {
	if cfg.Log.File != "" && cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 10
	}
}

// Validate checks every section
func (c *Config) Validate() error {
	var errs []error

	switch c.Bus.Backend {
	case BackendLinux, BackendMCU, BackendSim:
	default:
		errs = append(errs, fmt.Errorf("bus.backend %q: want linux, mcu or sim", c.Bus.Backend))
	}
	if c.Bus.Number < 0 {
		errs = append(errs, fmt.Errorf("bus.number %d is negative", c.Bus.Number))
	}
	if c.Bus.Address > 0x7F {
		errs = append(errs, fmt.Errorf("bus.address 0x%x is not a 7-bit address", c.Bus.Address))
	}
	if c.Bus.SpeedHz < 0 {
		errs = append(errs, fmt.Errorf("bus.speed_hz %d is negative", c.Bus.SpeedHz))
	}
	if c.Bus.Backend == BackendMCU && c.Bus.Serial.Baud <= 0 {
		errs = append(errs, fmt.Errorf("bus.serial.baud %d must be positive", c.Bus.Serial.Baud))
	}

	if !(c.PWM.MaxDeflectionDeg > 0) {
		errs = append(errs, fmt.Errorf("pwm.max_deflection_deg %v must be positive", c.PWM.MaxDeflectionDeg))
	}
	for _, ch := range c.PWM.Invert {
		if ch < 0 || ch >= driver.NumOutputs {
			errs = append(errs, fmt.Errorf("pwm.invert: channel %d out of range", ch))
		}
	}
	if err := c.DriverSettings().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pwm: %w", err))
	}
	if c.Loop.RampTime < 0 {
		errs = append(errs, fmt.Errorf("loop.ramp_time %v is negative", c.Loop.RampTime))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// DriverSettings derives the driver's pulse mapping
func (c *Config) DriverSettings() driver.Settings {
	s := driver.NewSettings(c.PWM.Frequency, c.PWM.Min, c.PWM.Max, c.PWM.MaxDeflectionDeg)
	for _, ch := range c.PWM.Invert {
		if ch >= 0 && ch < driver.NumOutputs {
			s.Invert[ch] = true
		}
	}
	s.GateOutputs = c.Loop.GateOutputs
	s.RampTime = c.Loop.RampTime
	return s
}
