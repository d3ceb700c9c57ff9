package mixer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type controlTable [NumControlGroups][NumControls]float32

func (c *controlTable) source(group, index uint8) float32 {
	return c[group][index]
}

func TestScalerApply(t *testing.T) {
	s := Scaler{NegativeScale: 0.5, PositiveScale: 2, Offset: 0.1, MinOutput: -1, MaxOutput: 1}
	assert.InDelta(t, -0.4, s.Apply(-1), 1e-6)
	assert.InDelta(t, 0.5, s.Apply(0.2), 1e-6)
	assert.Equal(t, float32(1), s.Apply(0.9), "clamped")
}

func TestScalerCheck(t *testing.T) {
	assert.NoError(t, IdentityScaler.Check())
	assert.Error(t, Scaler{Offset: 2, MinOutput: -1, MaxOutput: 1}.Check())
	assert.Error(t, Scaler{MinOutput: 0.5, MaxOutput: -0.5}.Check())
	assert.Error(t, Scaler{MinOutput: -2, MaxOutput: 1}.Check())
	assert.Error(t, Scaler{PositiveScale: float32(math.Inf(1)), MinOutput: -1, MaxOutput: 1}.Check())
}

func TestSimpleMixer(t *testing.T) {
	var controls controlTable
	controls[0][2] = 0.25
	controls[1][0] = 0.5

	m, err := NewSimple(controls.source, SimpleDesc{
		Output: IdentityScaler,
		Inputs: []ControlInput{
			{Group: 0, Index: 2, Scaler: IdentityScaler},
			{Group: 1, Index: 0, Scaler: IdentityScaler},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(0b0011), m.GroupsRequired())

	out := make([]float32, 4)
	assert.Equal(t, 1, m.Mix(out))
	assert.InDelta(t, 0.75, out[0], 1e-6)
	assert.Zero(t, m.Mix(nil))
}

func TestSimpleMixerRejectsBadInputs(t *testing.T) {
	var controls controlTable
	_, err := NewSimple(controls.source, SimpleDesc{
		Output: IdentityScaler,
		Inputs: []ControlInput{{Group: 4, Scaler: IdentityScaler}},
	})
	var ce *ConfigError
	assert.ErrorAs(t, err, &ce)

	_, err = NewSimple(controls.source, SimpleDesc{
		Output: IdentityScaler,
		Inputs: []ControlInput{{Index: 8, Scaler: IdentityScaler}},
	})
	assert.ErrorAs(t, err, &ce)
}

func TestGroupFillsOutputsInOrder(t *testing.T) {
	var controls controlTable
	controls[0][0] = 0.5
	controls[0][1] = -0.5

	a, err := NewSimple(controls.source, SimpleDesc{Output: IdentityScaler, Inputs: []ControlInput{{Group: 0, Index: 0, Scaler: IdentityScaler}}})
	require.NoError(t, err)
	b, err := NewSimple(controls.source, SimpleDesc{Output: IdentityScaler, Inputs: []ControlInput{{Group: 2, Index: 1, Scaler: IdentityScaler}}})
	require.NoError(t, err)

	g := NewGroup(a, Null{})
	g.Add(b)
	assert.Equal(t, 3, g.Count())
	assert.Equal(t, uint32(0b0101), g.GroupsRequired())

	out := make([]float32, 16)
	assert.Equal(t, 3, g.Mix(out))
	assert.InDelta(t, 0.5, out[0], 1e-6)
	assert.True(t, math.IsNaN(float64(out[1])))
	assert.InDelta(t, 0, out[2], 1e-6)

	assert.Equal(t, 2, g.Mix(out[:2]), "stops when outputs run out")
}

func TestGroupClone(t *testing.T) {
	g := NewGroup(Null{})
	c := g.Clone()
	c.Add(Null{})

	assert.Equal(t, 1, g.Count())
	assert.Equal(t, 2, c.Count())
}
