package cli

import (
	"bytes"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/drivers"

	"pcapwm/bus"
	"pcapwm/chipsim"
	"pcapwm/config"
	"pcapwm/ctlbus"
	"pcapwm/driver"
	"pcapwm/logging"
)

const (
	testAddr = 0x40
	waitFor  = 2 * time.Second
	tick     = 5 * time.Millisecond

	oneServo = "M: 1\nO: 10000 10000 0 -10000 10000\nS: 0 0 10000 10000 0 -10000 10000\n"
)

type fixture struct {
	d      *Dispatcher
	sim    *chipsim.Chip
	out    *bytes.Buffer
	opened []config.BusConfig
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.Bus.Backend = config.BackendSim

	f := &fixture{sim: chipsim.New(testAddr), out: &bytes.Buffer{}}
	open := func(bc config.BusConfig, _ *slog.Logger) (drivers.I2C, error) {
		f.opened = append(f.opened, bc)
		return f.sim, nil
	}
	f.d = New(cfg, WithLogger(logging.Discard()), WithOutput(f.out), WithOpener(open))
	t.Cleanup(func() { _ = f.d.Close() })
	return f
}

func (f *fixture) channel(ch int) [2]uint16 {
	on, off := f.sim.Channel(ch)
	return [2]uint16{on, off}
}

func TestVerbsRequireStart(t *testing.T) {
	f := newFixture(t, nil)

	assert.ErrorIs(t, f.d.Stop(), ErrNotStarted)
	assert.ErrorIs(t, f.d.Test(), ErrNotStarted)
	assert.ErrorIs(t, f.d.Reset(), ErrNotStarted)
	assert.ErrorIs(t, f.d.Mode(driver.ModeOn), ErrNotStarted)
	assert.ErrorIs(t, f.d.LoadMixer("x"), ErrNotStarted)
	assert.ErrorIs(t, f.d.ResetMixer(), ErrNotStarted)
	_, err := f.d.Info()
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = f.d.Status()
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.NoError(t, f.d.Close())
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.d.Exec("start -bus 3 -addr 0x40"))
	assert.Contains(t, f.out.String(), "started")
	assert.Contains(t, f.out.String(), "prescale 112")
	require.Len(t, f.opened, 1)
	assert.Equal(t, 3, f.opened[0].Number)
	assert.Equal(t, uint16(testAddr), f.opened[0].Address)

	assert.Equal(t, byte(112), f.sim.Prescale())
	assert.False(t, f.sim.Asleep())
	assert.Equal(t, byte(0x20), f.sim.Register(0x00)&0x20, "auto-increment on")

	_, err := f.d.Start(StartOptions{Bus: -1})
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	info, err := f.d.Info()
	require.NoError(t, err)
	assert.True(t, info.Running)
	assert.Equal(t, driver.ModeOn, info.Mode)
	assert.Equal(t, 3, info.Bus)

	require.NoError(t, f.d.Exec("stop"))
	_, err = f.d.Info()
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, f.d.Exec("start"))
	assert.Equal(t, 1, f.opened[1].Number, "configured bus when no flag given")
	info2, err := f.d.Info()
	require.NoError(t, err)
	assert.NotEqual(t, info.ID, info2.ID)
}

func TestStartFailures(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Backend = config.BackendSim
	d := New(cfg, WithLogger(logging.Discard()), WithOpener(func(config.BusConfig, *slog.Logger) (drivers.I2C, error) {
		return nil, errors.New("no such bus")
	}))
	_, err := d.Start(StartOptions{Bus: -1})
	assert.ErrorContains(t, err, "no such bus")

	f := newFixture(t, nil)
	f.sim.FailAll(errors.New("nack"))
	_, err = f.d.Start(StartOptions{Bus: -1})
	var te *bus.TransferError
	assert.ErrorAs(t, err, &te)
	_, err = f.d.Info()
	assert.ErrorIs(t, err, ErrNotStarted)

	f.sim.SetFault(nil)
	_, err = f.d.Start(StartOptions{Bus: -1})
	assert.NoError(t, err)
}

func TestTestAndModeVerbs(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.d.Exec("start"))

	require.NoError(t, f.d.Exec("test"))
	assert.Eventually(t, func() bool {
		return f.channel(0) == [2]uint16{0, 375}
	}, waitFor, tick)

	require.NoError(t, f.d.Exec("mode off"))
	assert.Eventually(t, func() bool {
		st, err := f.d.Status()
		return err == nil && !st.Running
	}, waitFor, tick)

	require.NoError(t, f.d.Exec("mode on"))
	st, err := f.d.Status()
	require.NoError(t, err)
	assert.Equal(t, driver.ModeOn, st.Mode)
	assert.True(t, st.Running)
}

func TestResetVerb(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.d.Exec("start"))
	require.NotZero(t, f.sim.Register(0x00))

	require.NoError(t, f.d.Exec("reset"))
	assert.Zero(t, f.sim.Register(0x00))
}

func TestMixerVerb(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servo.mix")
	require.NoError(t, os.WriteFile(path, []byte(oneServo), 0o644))
	big := filepath.Join(dir, "big.mix")
	require.NoError(t, os.WriteFile(big, []byte(strings.Repeat("#", 2000)), 0o644))

	f := newFixture(t, nil)
	require.NoError(t, f.d.Exec("start"))
	require.NoError(t, f.d.Exec("mixer "+path))
	assert.ErrorIs(t, f.d.Exec("mixer "+big), driver.ErrMixerTooBig)
	assert.Error(t, f.d.Exec("mixer "+filepath.Join(dir, "missing.mix")))

	assert.Eventually(t, func() bool {
		_ = f.d.ControlBus().PublishControls(0, [ctlbus.NumControls]float32{0.4})
		return f.channel(0) == [2]uint16{0, 465}
	}, waitFor, tick)

	f.out.Reset()
	require.NoError(t, f.d.Exec("status"))
	assert.Contains(t, f.out.String(), "mixer: 1 loaded")
	assert.Contains(t, f.out.String(), "controls 0:  0.400")
	assert.Contains(t, f.out.String(), "rates: 465 0")

	require.NoError(t, f.d.Exec("mixer reset"))
	st, err := f.d.Status()
	require.NoError(t, err)
	assert.False(t, st.MixerLoaded)
}

func TestMixerFileAtStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servo.mix")
	require.NoError(t, os.WriteFile(path, []byte(oneServo), 0o644))

	cfg := config.Default()
	cfg.Mixer.File = path
	f := newFixture(t, cfg)
	require.NoError(t, f.d.Exec("start"))

	st, err := f.d.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Mixers)
}

func TestControlIngest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servo.mix")
	require.NoError(t, os.WriteFile(path, []byte(oneServo), 0o644))

	cfg := config.Default()
	cfg.Mixer.File = path
	cfg.Control.UDPListen = "127.0.0.1:0"
	f := newFixture(t, cfg)
	require.NoError(t, f.d.Exec("start"))

	info, err := f.d.Info()
	require.NoError(t, err)
	require.NotEmpty(t, info.ControlAddr)

	conn, err := net.Dial("udp", info.ControlAddr)
	require.NoError(t, err)
	defer conn.Close()

	frame, err := ctlbus.EncodeMessage(ctlbus.Message{
		Controls: &ctlbus.ControlsMessage{Group: 0, Control: []float32{-0.4}},
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, _ = conn.Write(frame)
		return f.channel(0) == [2]uint16{0, 285}
	}, waitFor, tick)

	f.out.Reset()
	require.NoError(t, f.d.Exec("info"))
	assert.Contains(t, f.out.String(), "control: udp 127.0.0.1:")
}

func TestExecErrors(t *testing.T) {
	f := newFixture(t, nil)

	assert.NoError(t, f.d.Exec("   "))
	assert.ErrorIs(t, f.d.Exec("fly"), ErrUnknownVerb)
	assert.ErrorIs(t, f.d.Exec("info"), ErrNotStarted)
	assert.Error(t, f.d.Exec("start -addr 0x90"))
	assert.Error(t, f.d.Exec("start -addr nope"))
	assert.Error(t, f.d.Exec("start -bogus"))
	assert.Error(t, f.d.Exec("mixer"))
	assert.Error(t, f.d.Exec("mode"))

	require.NoError(t, f.d.Exec("start"))
	assert.ErrorIs(t, f.d.Exec("mode fast"), driver.ErrUnknownMode)
	assert.ErrorIs(t, f.d.Exec("start"), ErrAlreadyStarted)

	f.out.Reset()
	require.NoError(t, f.d.Exec("help"))
	assert.Contains(t, f.out.String(), "start [-bus N] [-addr A]")
}
