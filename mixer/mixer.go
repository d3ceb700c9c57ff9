// Package mixer maps actuator control groups to output values.
//
// Only the simple summing mixer and the null placeholder are provided;
// vehicle geometry mixers are out of scope. Mixers read their inputs
// through a ControlSource owned by the caller.
package mixer

import (
	"fmt"
	"math"
)

const (
	// NumControlGroups bounds the group index of a control input
	NumControlGroups = 4

	// NumControls bounds the control index within a group
	NumControls = 8

	// MaxLoadSize is the largest text definition Load accepts
	MaxLoadSize = 1024

	// scaler values may overshoot the unit range by a rounding margin
	scalerLimit = 1.001
)

// ControlSource returns the current value of one control input
type ControlSource func(group, index uint8) float32

// Mixer produces outputs from control inputs
type Mixer interface {
	// Mix fills outputs from the front and returns how many it wrote
	Mix(outputs []float32) int

	// GroupsRequired returns the bitmask of control groups read
	GroupsRequired() uint32
}

// ConfigError reports an invalid mixer definition
type ConfigError struct {
	Line   int
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("mixer: line %d: %s", e.Line, e.Reason)
	}
	return "mixer: " + e.Reason
}

// Scaler maps a value through separate slopes for its negative and
// positive halves, adds an offset and clamps the result
type Scaler struct {
	NegativeScale float32
	PositiveScale float32
	Offset        float32
	MinOutput     float32
	MaxOutput     float32
}

// IdentityScaler passes values in [-1, 1] through unchanged
var IdentityScaler = Scaler{NegativeScale: 1, PositiveScale: 1, MinOutput: -1, MaxOutput: 1}

// Apply scales v
func (s Scaler) Apply(v float32) float32 {
	if v < 0 {
		v = v*s.NegativeScale + s.Offset
	} else {
		v = v*s.PositiveScale + s.Offset
	}
	return min(max(v, s.MinOutput), s.MaxOutput)
}

// Check validates offset and limits
func (s Scaler) Check() error {
	for _, v := range []float32{s.NegativeScale, s.PositiveScale, s.Offset, s.MinOutput, s.MaxOutput} {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return &ConfigError{Reason: "scaler value not finite"}
		}
	}
	switch {
	case s.Offset < -scalerLimit || s.Offset > scalerLimit:
		return &ConfigError{Reason: fmt.Sprintf("offset %.4f out of range", s.Offset)}
	case s.MinOutput < -scalerLimit:
		return &ConfigError{Reason: fmt.Sprintf("lower limit %.4f out of range", s.MinOutput)}
	case s.MaxOutput > scalerLimit:
		return &ConfigError{Reason: fmt.Sprintf("upper limit %.4f out of range", s.MaxOutput)}
	case s.MinOutput > s.MaxOutput:
		return &ConfigError{Reason: "lower limit above upper limit"}
	}
	return nil
}

// ControlInput is one scaled input of a simple mixer
type ControlInput struct {
	Group  uint8
	Index  uint8
	Scaler Scaler
}

// SimpleDesc describes a one-output mixer: the scaled sum of its inputs,
// scaled again by Output
type SimpleDesc struct {
	Output Scaler
	Inputs []ControlInput
}

// Simple is a summing mixer with one output
type Simple struct {
	desc   SimpleDesc
	source ControlSource
}

// NewSimple validates desc and returns a mixer reading from source
func NewSimple(source ControlSource, desc SimpleDesc) (*Simple, error) {
	if err := desc.Output.Check(); err != nil {
		return nil, err
	}
	for i, in := range desc.Inputs {
		if in.Group >= NumControlGroups {
			return nil, &ConfigError{Reason: fmt.Sprintf("input %d: control group %d out of range", i, in.Group)}
		}
		if in.Index >= NumControls {
			return nil, &ConfigError{Reason: fmt.Sprintf("input %d: control index %d out of range", i, in.Index)}
		}
		if err := in.Scaler.Check(); err != nil {
			return nil, err
		}
	}
	desc.Inputs = append([]ControlInput(nil), desc.Inputs...)
	return &Simple{desc: desc, source: source}, nil
}

func (s *Simple) Mix(outputs []float32) int {
	if len(outputs) == 0 {
		return 0
	}
	var sum float32
	for _, in := range s.desc.Inputs {
		sum += in.Scaler.Apply(s.source(in.Group, in.Index))
	}
	outputs[0] = s.desc.Output.Apply(sum)
	return 1
}

func (s *Simple) GroupsRequired() uint32 {
	var mask uint32
	for _, in := range s.desc.Inputs {
		mask |= 1 << in.Group
	}
	return mask
}

// Null reserves one output and leaves it disabled
type Null struct{}

func (Null) Mix(outputs []float32) int {
	if len(outputs) == 0 {
		return 0
	}
	outputs[0] = float32(math.NaN())
	return 1
}

func (Null) GroupsRequired() uint32 {
	return 0
}

// Group runs mixers in order, each filling the next outputs
type Group struct {
	mixers []Mixer
}

// NewGroup returns a group of mixers
func NewGroup(mixers ...Mixer) *Group {
	return &Group{mixers: mixers}
}

// Add appends m
func (g *Group) Add(m Mixer) {
	g.mixers = append(g.mixers, m)
}

// Clone returns a group holding the same mixers
func (g *Group) Clone() *Group {
	return &Group{mixers: append([]Mixer(nil), g.mixers...)}
}

// Count returns the number of mixers
func (g *Group) Count() int {
	return len(g.mixers)
}

func (g *Group) Mix(outputs []float32) int {
	n := 0
	for _, m := range g.mixers {
		if n >= len(outputs) {
			break
		}
		n += m.Mix(outputs[n:])
	}
	return n
}

func (g *Group) GroupsRequired() uint32 {
	var mask uint32
	for _, m := range g.mixers {
		mask |= m.GroupsRequired()
	}
	return mask
}
