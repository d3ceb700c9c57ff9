package mcu

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcapwm/bus"
	"pcapwm/chipsim"
	"pcapwm/host/mcu/mcusim"
	"pcapwm/logging"
	"pcapwm/protocol"
)

const testAddr = 0x40

func newBridge(t *testing.T, opts ...mcusim.Option) (*MCU, *mcusim.Firmware, *chipsim.Chip) {
	t.Helper()
	sim := chipsim.New(testAddr)
	fw := mcusim.New(sim, opts...)

	hostSide, deviceSide := net.Pipe()
	go fw.Serve(deviceSide)

	m := New(hostSide, logging.Discard())
	m.SetTimeout(time.Second)
	t.Cleanup(func() {
		_ = m.Close()
		_ = deviceSide.Close()
	})
	return m, fw, sim
}

func TestRetrieveDictionary(t *testing.T) {
	for _, compressed := range []bool{false, true} {
		var opts []mcusim.Option
		if compressed {
			opts = append(opts, mcusim.WithCompressedDictionary())
		}
		m, fw, _ := newBridge(t, opts...)

		require.NoError(t, m.RetrieveDictionary(), "compressed=%v", compressed)
		assert.Equal(t, fw.Dictionary(), m.RawDictionary())
		assert.Greater(t, len(m.RawDictionary()), identifyChunk, "spans several chunks")

		dict := m.Dictionary()
		assert.Equal(t, "mcusim", dict.Version)
		id, ok := dict.CommandID("i2c_write")
		assert.True(t, ok)
		assert.NotZero(t, id)
		_, ok = dict.ResponseID("i2c_read_response")
		assert.True(t, ok)
	}
}

func TestCommandsNeedDictionary(t *testing.T) {
	m, _, _ := newBridge(t)

	err := m.SendCommand("get_config", nil)
	assert.ErrorIs(t, err, ErrNoDictionary)

	require.NoError(t, m.RetrieveDictionary())
	err = m.SendCommand("stepper_step", nil)
	assert.ErrorIs(t, err, ErrUnknownCommand)
	_, err = m.Query("get_config", nil, "nothing")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestI2CBridge(t *testing.T) {
	m, fw, sim := newBridge(t)
	require.NoError(t, m.RetrieveDictionary())

	dev, err := m.ConfigureI2C(1, 400000, testAddr)
	require.NoError(t, err)
	assert.True(t, fw.Finalized())

	state, err := m.GetConfig()
	require.NoError(t, err)
	assert.True(t, state.IsConfig)
	assert.False(t, state.IsShutdown)

	tr := bus.New(dev, testAddr)
	require.NoError(t, tr.WriteRegister(0x00, 0x20))
	assert.Equal(t, byte(0x20), sim.Register(0x00))

	prescale, err := tr.ReadRegister(0xFE)
	require.NoError(t, err)
	assert.Equal(t, byte(chipsim.DefaultPrescale), prescale)

	require.NoError(t, tr.WriteChannel(3, 0, 450))
	on, off := sim.Channel(3)
	assert.Equal(t, uint16(0), on)
	assert.Equal(t, uint16(450), off)
	assert.Zero(t, m.FrameErrors())
	assert.Zero(t, fw.FrameErrors())

	_, err = m.ConfigureI2C(1, 400000, testAddr)
	assert.ErrorIs(t, err, ErrConfigured)

	err = dev.Tx(0x41, []byte{0}, nil)
	assert.ErrorIs(t, err, ErrAddressMismatch)
}

func TestI2CFailureShutsDown(t *testing.T) {
	m, fw, sim := newBridge(t)
	require.NoError(t, m.RetrieveDictionary())
	dev, err := m.ConfigureI2C(1, 100000, testAddr)
	require.NoError(t, err)

	m.SetTimeout(200 * time.Millisecond)
	sim.FailAll(errors.New("nack"))
	tr := bus.New(dev, testAddr)
	_, err = tr.ReadRegister(0x00)
	assert.ErrorIs(t, err, protocol.ErrResponseTimeout)
	assert.Equal(t, "I2C write error", fw.Shutdown())

	state, err := m.GetConfig()
	require.NoError(t, err)
	assert.True(t, state.IsShutdown)
}

func TestParseDictionaryLookup(t *testing.T) {
	dict, err := ParseDictionary([]byte(`{
		"version": "v1",
		"commands": {"get_config": 4, "i2c_write oid=%c data=%*s": 9},
		"responses": {"i2c_read_response oid=%c response=%*s": 12}
	}`))
	require.NoError(t, err)

	id, ok := dict.CommandID("get_config")
	assert.True(t, ok)
	assert.Equal(t, uint16(4), id)
	id, ok = dict.CommandID("i2c_write")
	assert.True(t, ok)
	assert.Equal(t, uint16(9), id)
	_, ok = dict.CommandID("i2c")
	assert.False(t, ok)
	id, ok = dict.ResponseID("i2c_read_response")
	assert.True(t, ok)
	assert.Equal(t, uint16(12), id)

	_, err = ParseDictionary([]byte("{"))
	assert.Error(t, err)
}
