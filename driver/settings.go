package driver

import (
	"errors"
	"fmt"
	"time"
)

// Output geometry and pulse defaults
const (
	NumOutputs       = 16
	NumControlGroups = 4
	NumControls      = 8

	DefaultFrequency     = 60
	DefaultPWMMin        = 150
	DefaultPWMMax        = 600
	DefaultMaxDeflection = 180

	// Control samples are requested slightly faster than the output period
	// so every period sees a fresh one
	sampleMargin = 5 * time.Millisecond
)

// Settings fixes the pulse mapping of one driver instance
type Settings struct {
	Frequency float64
	PWMMin    uint16
	PWMMax    uint16

	// Center and Scale map a normalized output v to center + v*scale ticks
	Center float64
	Scale  float64

	Invert [NumOutputs]bool

	// GateOutputs suppresses channel writes unless the arming state is
	// safe to drive, ramping outputs in after arming
	GateOutputs bool
	RampTime    time.Duration
}

// NewSettings derives center and scale from the tick range and the
// maximum mechanical deflection in degrees
func NewSettings(frequency float64, pwmMin, pwmMax uint16, maxDeflectionDeg float64) Settings {
	center := (float64(pwmMin) + float64(pwmMax)) / 2
	return Settings{
		Frequency: frequency,
		PWMMin:    pwmMin,
		PWMMax:    pwmMax,
		Center:    center,
		Scale:     (float64(pwmMax) - center) * 180 / maxDeflectionDeg,
		RampTime:  DefaultRampTime,
	}
}

// DefaultSettings returns the 60 Hz, 150-600 tick, 180 degree mapping
func DefaultSettings() Settings {
	return NewSettings(DefaultFrequency, DefaultPWMMin, DefaultPWMMax, DefaultMaxDeflection)
}

// Validate checks the mapping is usable
func (s Settings) Validate() error {
	var errs []error
	if !(s.Frequency > 0) {
		errs = append(errs, fmt.Errorf("frequency %v must be positive", s.Frequency))
	}
	if s.PWMMin >= s.PWMMax {
		errs = append(errs, fmt.Errorf("pwm min %d must be below max %d", s.PWMMin, s.PWMMax))
	}
	if s.PWMMax > 4095 {
		errs = append(errs, fmt.Errorf("pwm max %d exceeds 4095", s.PWMMax))
	}
	if s.Center < float64(s.PWMMin) || s.Center > float64(s.PWMMax) {
		errs = append(errs, fmt.Errorf("center %v outside [%d, %d]", s.Center, s.PWMMin, s.PWMMax))
	}
	return errors.Join(errs...)
}

// Period is the control loop interval
func (s Settings) Period() time.Duration {
	return time.Duration(float64(time.Second) / s.Frequency)
}

// SampleInterval is the minimum spacing requested from control sources
func (s Settings) SampleInterval() time.Duration {
	return max(s.Period()-sampleMargin, 0)
}
