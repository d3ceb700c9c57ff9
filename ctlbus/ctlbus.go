// Package ctlbus is the in-process control bus between an upstream flight
// stack and the output driver: four actuator control groups plus the
// arming state, with an optional UDP/CBOR ingest.
package ctlbus

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// NumControlGroups is the number of actuator control groups
	NumControlGroups = 4

	// NumControls is the number of inputs per group
	NumControls = 8
)

// ActuatorControls is one normalized control vector
type ActuatorControls struct {
	Timestamp time.Time
	Control   [NumControls]float32
}

// ActuatorArmed is the vehicle arming state
type ActuatorArmed struct {
	Timestamp time.Time
	Armed     bool
	Prearmed  bool
	Lockdown  bool
}

// Bus holds one topic per control group and the arming topic
type Bus struct {
	clock    clockwork.Clock
	controls [NumControlGroups]*Topic[ActuatorControls]
	armed    *Topic[ActuatorArmed]
}

// New creates a bus; a nil clock uses the wall clock
func New(clock clockwork.Clock) *Bus {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	b := &Bus{clock: clock, armed: NewTopic[ActuatorArmed]("actuator_armed", clock)}
	for i := range b.controls {
		b.controls[i] = NewTopic[ActuatorControls](fmt.Sprintf("actuator_controls_%d", i), clock)
	}
	return b
}

// Controls returns the topic of group
func (b *Bus) Controls(group int) (*Topic[ActuatorControls], error) {
	if group < 0 || group >= NumControlGroups {
		return nil, fmt.Errorf("ctlbus: control group %d out of range", group)
	}
	return b.controls[group], nil
}

// Armed returns the arming topic
func (b *Bus) Armed() *Topic[ActuatorArmed] {
	return b.armed
}

// PublishControls stamps and publishes a control vector
func (b *Bus) PublishControls(group int, control [NumControls]float32) error {
	topic, err := b.Controls(group)
	if err != nil {
		return err
	}
	topic.Publish(ActuatorControls{Timestamp: b.clock.Now(), Control: control})
	return nil
}

// PublishArmed stamps and publishes the arming state
func (b *Bus) PublishArmed(armed, prearmed, lockdown bool) {
	b.armed.Publish(ActuatorArmed{
		Timestamp: b.clock.Now(),
		Armed:     armed,
		Prearmed:  prearmed,
		Lockdown:  lockdown,
	})
}
