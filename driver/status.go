package driver

import (
	"github.com/google/uuid"
)

// Status is a snapshot of the output stage
type Status struct {
	Mode        Mode
	Running     bool
	MixerLoaded bool
	Mixers      int
	Required    GroupMask
	Subscribed  GroupMask
	Controls    [NumControlGroups][NumControls]float32
	Outputs     [NumOutputs]float32
	Rates       [NumOutputs]uint16
	Arming      ArmingState
	SafeToDrive bool
	CommsErrors uint64
}

// Info identifies the instance
type Info struct {
	ID        uuid.UUID
	Mode      Mode
	Running   bool
	Frequency float64
	Center    float64
	Scale     float64
	Gated     bool
}

// Status returns a snapshot taken under the driver lock
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Status{
		Mode:        d.mode,
		Running:     d.running,
		MixerLoaded: d.mixer != nil,
		Required:    d.required,
		Subscribed:  d.subscribed,
		Controls:    d.controls,
		Outputs:     d.outputs,
		Rates:       d.rates,
		Arming:      d.gate.State(),
		SafeToDrive: d.gate.SafeToDrive(),
	}
	if d.mixer != nil {
		s.Mixers = d.mixer.Count()
	}
	if d.counter != nil {
		s.CommsErrors = d.counter.CommsErrors()
	}
	return s
}

// Info returns the instance identity and loop state
func (d *Driver) Info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Info{
		ID:        d.id,
		Mode:      d.mode,
		Running:   d.running,
		Frequency: d.settings.Frequency,
		Center:    d.settings.Center,
		Scale:     d.settings.Scale,
		Gated:     d.settings.GateOutputs,
	}
}
