// Package cli is the command surface of the output driver: typed verbs on
// a Dispatcher, a line parser for them and an interactive shell.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"pcapwm/bus"
	"pcapwm/config"
	"pcapwm/ctlbus"
	"pcapwm/driver"
	"pcapwm/expander"
	"pcapwm/mixer"
	"pcapwm/sched"
)

var (
	ErrNotStarted     = errors.New("driver not started")
	ErrAlreadyStarted = errors.New("driver already started")
	ErrStopTimeout    = errors.New("driver did not stop")
)

// stop polls the loop this often, this many times
const (
	stopPoll  = 50 * time.Millisecond
	stopTries = 15
)

// Dispatcher owns at most one running driver instance
type Dispatcher struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  clockwork.Clock
	ctl    *ctlbus.Bus
	open   Opener
	out    io.Writer

	mu   sync.Mutex
	inst *instance
}

// instance is everything start builds and stop tears down
type instance struct {
	drv       *driver.Driver
	chip      *expander.Chip
	transport *bus.Transport
	queue     *sched.Queue
	listener  *ctlbus.Listener
	cancel    context.CancelFunc
	done      sync.WaitGroup
	bus       int
	address   uint16
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithOpener replaces OpenBus
func WithOpener(open Opener) Option {
	return func(d *Dispatcher) {
		d.open = open
	}
}

// WithClock sets the clock of the loop and the stop wait
func WithClock(clock clockwork.Clock) Option {
	return func(d *Dispatcher) {
		d.clock = clock
	}
}

// WithOutput sets where Exec prints results
func WithOutput(w io.Writer) Option {
	return func(d *Dispatcher) {
		d.out = w
	}
}

// New creates a dispatcher; nothing is opened until Start
func New(cfg *config.Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:    cfg,
		logger: slog.Default(),
		clock:  clockwork.NewRealClock(),
		open:   OpenBus,
		out:    os.Stdout,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.ctl = ctlbus.New(d.clock)
	return d
}

// ControlBus returns the bus controls and arming are published on
func (d *Dispatcher) ControlBus() *ctlbus.Bus {
	return d.ctl
}

// SetOutput changes where Exec prints results
func (d *Dispatcher) SetOutput(w io.Writer) {
	d.mu.Lock()
	d.out = w
	d.mu.Unlock()
}

// StartOptions override the configured bus. Negative Bus and zero Address
// keep the configuration.
type StartOptions struct {
	Bus     int
	Address uint16
}

// StartResult describes the started instance
type StartResult struct {
	Info     driver.Info
	Bus      int
	Address  uint16
	Prescale uint8
}

// Start opens the bus, resets and calibrates the expander and runs the
// driver in ModeOn
func (d *Dispatcher) Start(opts StartOptions) (StartResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inst != nil {
		return StartResult{}, ErrAlreadyStarted
	}

	busCfg := d.cfg.Bus
	if opts.Bus >= 0 {
		busCfg.Number = opts.Bus
	}
	if opts.Address != 0 {
		busCfg.Address = opts.Address
	}

	i2c, err := d.open(busCfg, d.logger)
	if err != nil {
		return StartResult{}, fmt.Errorf("start: %w", err)
	}
	inst := &instance{bus: busCfg.Number, address: busCfg.Address}
	inst.transport = bus.New(i2c, busCfg.Address, bus.WithLogger(d.logger))
	inst.chip = expander.New(inst.transport, expander.WithClock(d.clock), expander.WithLogger(d.logger))

	if err := d.bringUp(inst); err != nil {
		_ = inst.transport.Close()
		return StartResult{}, fmt.Errorf("start: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	inst.cancel = cancel
	inst.done.Add(1)
	go func() {
		defer inst.done.Done()
		_ = inst.queue.Run(ctx)
	}()
	if inst.listener != nil {
		inst.done.Add(1)
		go func() {
			defer inst.done.Done()
			if err := inst.listener.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Warn("control listener stopped", "err", err)
			}
		}()
	}

	if err := inst.drv.SetMode(driver.ModeOn); err != nil {
		d.teardown(inst)
		return StartResult{}, fmt.Errorf("start: %w", err)
	}
	d.inst = inst

	prescale, _ := expander.Prescale(d.cfg.PWM.Frequency)
	res := StartResult{Info: inst.drv.Info(), Bus: inst.bus, Address: inst.address, Prescale: prescale}
	d.logger.Info("driver started", "id", res.Info.ID.String(), "bus", res.Bus,
		"address", fmt.Sprintf("0x%02x", res.Address), "frequency", res.Info.Frequency)
	return res, nil
}

// bringUp prepares the chip and builds the driver; nothing is running yet
func (d *Dispatcher) bringUp(inst *instance) error {
	if err := inst.chip.Reset(); err != nil {
		return err
	}
	if err := inst.chip.SetFrequency(d.cfg.PWM.Frequency); err != nil {
		return err
	}

	inst.queue = sched.New(d.clock)
	drv, err := driver.New(inst.chip, d.ctl, inst.queue, d.cfg.DriverSettings(),
		driver.WithLogger(d.logger), driver.WithErrorCounter(inst.transport))
	if err != nil {
		return err
	}
	inst.drv = drv

	if d.cfg.Mixer.File != "" {
		if err := d.loadMixerFile(drv, d.cfg.Mixer.File); err != nil {
			return err
		}
	}

	if d.cfg.Control.UDPListen != "" {
		l, err := ctlbus.Listen(d.cfg.Control.UDPListen, d.ctl, d.logger)
		if err != nil {
			return err
		}
		inst.listener = l
	}
	return nil
}

// Stop switches the loop off, waits for it to finish and releases the bus
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inst == nil {
		return ErrNotStarted
	}

	inst := d.inst
	if err := inst.drv.SetMode(driver.ModeOff); err != nil {
		return err
	}
	for i := 0; i < stopTries && inst.drv.IsRunning(); i++ {
		d.clock.Sleep(stopPoll)
	}
	if inst.drv.IsRunning() {
		return ErrStopTimeout
	}

	d.teardown(inst)
	d.inst = nil
	d.logger.Info("driver stopped")
	return nil
}

func (d *Dispatcher) teardown(inst *instance) {
	_ = inst.drv.Close()
	inst.cancel()
	if inst.listener != nil {
		_ = inst.listener.Close()
	}
	inst.done.Wait()
	if err := inst.transport.Close(); err != nil {
		d.logger.Warn("closing bus", "err", err)
	}
}

// Test drives the center pulse on channel 0
func (d *Dispatcher) Test() error {
	return d.setMode(driver.ModeTestOut)
}

// Mode switches the loop mode
func (d *Dispatcher) Mode(m driver.Mode) error {
	return d.setMode(m)
}

func (d *Dispatcher) setMode(m driver.Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inst == nil {
		return ErrNotStarted
	}
	return d.inst.drv.SetMode(m)
}

// Reset clears MODE1 on the chip
func (d *Dispatcher) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inst == nil {
		return ErrNotStarted
	}
	return d.inst.chip.Reset()
}

// Info describes the running instance
type Info struct {
	driver.Info
	Bus         int
	Address     uint16
	CommsErrors uint64

	// ControlAddr is the UDP control ingest address, empty when disabled
	ControlAddr string
}

// Info returns the instance description
func (d *Dispatcher) Info() (Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inst == nil {
		return Info{}, ErrNotStarted
	}
	info := Info{
		Info:        d.inst.drv.Info(),
		Bus:         d.inst.bus,
		Address:     d.inst.address,
		CommsErrors: d.inst.transport.CommsErrors(),
	}
	if d.inst.listener != nil {
		info.ControlAddr = d.inst.listener.Addr().String()
	}
	return info, nil
}

// Status returns the driver snapshot
func (d *Dispatcher) Status() (driver.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inst == nil {
		return driver.Status{}, ErrNotStarted
	}
	return d.inst.drv.Status(), nil
}

// LoadMixer appends the mixers defined in the file at path
func (d *Dispatcher) LoadMixer(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inst == nil {
		return ErrNotStarted
	}
	return d.loadMixerFile(d.inst.drv, path)
}

// ResetMixer removes all mixers
func (d *Dispatcher) ResetMixer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inst == nil {
		return ErrNotStarted
	}
	d.inst.drv.ResetMixer()
	return nil
}

func (d *Dispatcher) loadMixerFile(drv *driver.Driver, path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.Size() > mixer.MaxLoadSize {
		return fmt.Errorf("%s: %w", path, driver.ErrMixerTooBig)
	}
	text, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := drv.LoadMixer(string(text)); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Close stops a running instance
func (d *Dispatcher) Close() error {
	if err := d.Stop(); err != nil && !errors.Is(err, ErrNotStarted) {
		return err
	}
	return nil
}
