package driver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, 375.0, s.Center)
	assert.Equal(t, 225.0, s.Scale)
	assert.NoError(t, s.Validate())
	assert.InDelta(t, float64(time.Second/60), float64(s.Period()), float64(time.Microsecond))
	assert.InDelta(t, float64(time.Second/60-5*time.Millisecond), float64(s.SampleInterval()), float64(time.Microsecond))

	s = NewSettings(50, 200, 400, 90)
	assert.Equal(t, 300.0, s.Center)
	assert.Equal(t, 200.0, s.Scale)
}

func TestSettingsValidate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(*Settings)
	}{
		{"zero frequency", func(s *Settings) { s.Frequency = 0 }},
		{"inverted range", func(s *Settings) { s.PWMMin, s.PWMMax = 600, 150 }},
		{"max above 4095", func(s *Settings) { s.PWMMax = 5000 }},
		{"center outside", func(s *Settings) { s.Center = 100 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := DefaultSettings()
			tc.modify(&s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestArmingGate(t *testing.T) {
	testCases := []struct {
		state ArmingState
		safe  bool
	}{
		{ArmingState{}, false},
		{ArmingState{Armed: true}, true},
		{ArmingState{Prearmed: true}, true},
		{ArmingState{Armed: true, Lockdown: true}, false},
		{ArmingState{Prearmed: true, Lockdown: true}, false},
		{ArmingState{Lockdown: true}, false},
	}

	for _, tc := range testCases {
		var g ArmingGate
		assert.Equal(t, tc.safe, g.Update(tc.state), "%+v", tc.state)
		assert.Equal(t, tc.safe, g.SafeToDrive(), "%+v", tc.state)
		assert.Equal(t, tc.state, g.State())
		assert.False(t, g.Update(tc.state), "repeat update does not change")
	}
}

func TestRampLimiter(t *testing.T) {
	start := time.Unix(1000, 0)
	r := NewRampLimiter(375, 100*time.Millisecond)
	r.Init()

	_, ok := r.Limit(0, 450, false, start)
	assert.False(t, ok)

	tick, ok := r.Limit(0, 450, true, start)
	assert.True(t, ok)
	assert.Equal(t, 375.0, tick)

	tick, _ = r.Limit(0, 450, true, start.Add(50*time.Millisecond))
	assert.InDelta(t, 412.5, tick, 1e-9)

	tick, _ = r.Limit(1, 300, true, start.Add(time.Second))
	assert.Equal(t, 300.0, tick)

	r.Limit(0, 450, false, start.Add(2*time.Second))
	tick, _ = r.Limit(0, 450, true, start.Add(3*time.Second))
	assert.Equal(t, 375.0, tick, "ramp restarts after disarm")
}
