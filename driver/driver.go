// Package driver turns a PCA9685 expander into an actuator output stage.
//
// A Driver owns one periodic work item on a sched.Queue. In ModeOn every
// period it follows the required control groups on a ctlbus.Bus, runs the
// installed mixer and writes the resulting pulses through an Output. The
// command surface changes the mode and the mixer; both sides share one lock.
package driver

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"pcapwm/ctlbus"
	"pcapwm/mixer"
	"pcapwm/sched"
)

// Output drives one channel of the expander
type Output interface {
	SetPin(ch uint8, value uint16, invert bool) error
}

// ErrorCounter exposes a transport's failure count
type ErrorCounter interface {
	CommsErrors() uint64
}

var (
	ErrClosed      = errors.New("driver: closed")
	ErrMixerTooBig = fmt.Errorf("driver: mixer definition exceeds %d bytes", mixer.MaxLoadSize)
)

// Driver is one output stage instance
type Driver struct {
	id       uuid.UUID
	out      Output
	ctl      *ctlbus.Bus
	queue    *sched.Queue
	logger   *slog.Logger
	limiter  Limiter
	counter  ErrorCounter
	settings Settings
	period   time.Duration

	mu          sync.Mutex
	work        sched.Work
	mode        Mode
	running     bool
	initialized bool
	closed      bool

	mixer      *mixer.Group
	required   GroupMask
	subscribed GroupMask
	controlSub [NumControlGroups]*ctlbus.Subscription[ctlbus.ActuatorControls]
	armedSub   *ctlbus.Subscription[ctlbus.ActuatorArmed]
	controls   [NumControlGroups][NumControls]float32
	outputs    [NumOutputs]float32
	rates      [NumOutputs]uint16
	gate       ArmingGate
}

// Option configures a Driver
type Option func(*Driver)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithLimiter replaces the ramp limiter used when outputs are gated
func WithLimiter(l Limiter) Option {
	return func(d *Driver) {
		d.limiter = l
	}
}

// WithErrorCounter reports the transport failure count in Status
func WithErrorCounter(c ErrorCounter) Option {
	return func(d *Driver) {
		d.counter = c
	}
}

// New creates a driver in ModeOff. Nothing is scheduled until the first
// SetMode.
func New(out Output, ctl *ctlbus.Bus, queue *sched.Queue, settings Settings, opts ...Option) (*Driver, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("driver: %w", err)
	}
	d := &Driver{
		id:       uuid.New(),
		out:      out,
		ctl:      ctl,
		queue:    queue,
		logger:   slog.Default(),
		settings: settings,
		period:   settings.Period(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.limiter == nil {
		d.limiter = NewRampLimiter(settings.Center, settings.RampTime)
	}
	d.logger = d.logger.With("component", "driver", "id", d.id.String())
	d.work.Handler = d.cycle
	for i := range d.outputs {
		d.outputs[i] = float32(math.NaN())
	}
	return d, nil
}

// ID returns the instance handle
func (d *Driver) ID() uuid.UUID {
	return d.id
}

// Settings returns the pulse mapping
func (d *Driver) Settings() Settings {
	return d.settings
}

// SetMode switches the loop mode and starts the loop if it is idle
func (d *Driver) SetMode(m Mode) error {
	if !m.valid() {
		return fmt.Errorf("%w: %d", ErrUnknownMode, int(m))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	if m != d.mode {
		switch m {
		case ModeOn:
			d.logger.Info("starting")
		case ModeOff:
			d.logger.Info("shutting down")
		case ModeTestOut:
			d.logger.Info("test starting")
		}
	}
	d.mode = m

	if !d.running {
		d.running = true
		d.work.WakeTime = d.queue.Clock().Now()
		d.queue.Schedule(&d.work)
	}
	return nil
}

// Mode returns the current mode
func (d *Driver) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// IsRunning reports whether the loop is still scheduled
func (d *Driver) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// ResetMixer removes the installed mixer. Control groups it needed are
// released on the next period.
func (d *Driver) ResetMixer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mixer = nil
	d.required = 0
}

// AddSimpleMixer appends a simple mixer to the installed group
func (d *Driver) AddSimpleMixer(desc mixer.SimpleDesc) error {
	m, err := mixer.NewSimple(d.control, desc)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.install(m)
	return nil
}

// LoadMixer parses a text definition and appends its mixers to the
// installed group. On error the installed group is left as it was.
func (d *Driver) LoadMixer(text string) error {
	if len(text) > mixer.MaxLoadSize {
		return ErrMixerTooBig
	}
	mixers, err := mixer.Parse(d.control, text)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.install(mixers...)
	d.logger.Debug("mixer loaded", "mixers", len(mixers), "total", d.mixer.Count())
	return nil
}

// install swaps in a new group holding the old mixers plus ms
func (d *Driver) install(ms ...mixer.Mixer) {
	g := mixer.NewGroup()
	if d.mixer != nil {
		g = d.mixer.Clone()
	}
	for _, m := range ms {
		g.Add(m)
	}
	d.mixer = g
	d.required = GroupMask(g.GroupsRequired())
}

// control feeds mixers from the control table. It runs inside the loop
// with d.mu held.
func (d *Driver) control(group, index uint8) float32 {
	if int(group) >= NumControlGroups || int(index) >= NumControls {
		return 0
	}
	v := d.controls[group][index]
	return min(max(v, -1), 1)
}

// Close stops the loop and releases all subscriptions
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.mode = ModeOff
	d.queue.Cancel(&d.work)
	d.running = false
	d.teardown()
	return nil
}
