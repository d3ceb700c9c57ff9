package driver

import (
	"math"

	"pcapwm/ctlbus"
	"pcapwm/sched"
)

// cycle is the work handler; it runs once per period
func (d *Driver) cycle(w *sched.Work) sched.Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.mode {
	case ModeOff:
		d.running = false
		d.teardown()
		return sched.Done

	case ModeTestOut:
		d.put(0, uint16(math.Round(d.settings.Center)))

	case ModeOn:
		if !d.initialized {
			d.initialize()
		}
		d.mix()
		d.sampleArming()
	}

	w.WakeTime = d.queue.Clock().Now().Add(d.period)
	return sched.Reschedule
}

// initialize runs on the first period after entering ModeOn
func (d *Driver) initialize() {
	d.limiter.Init()
	d.armedSub = d.ctl.Armed().Subscribe()
	d.subscribe(d.required &^ d.subscribed)
	d.initialized = true
	d.logger.Debug("output loop initialized", "groups", uint32(d.subscribed))
}

// subscribe opens the groups in mask
func (d *Driver) subscribe(mask GroupMask) {
	for g := 0; g < NumControlGroups; g++ {
		if !mask.Has(g) || d.controlSub[g] != nil {
			continue
		}
		topic, err := d.ctl.Controls(g)
		if err != nil {
			continue
		}
		sub := topic.Subscribe()
		sub.SetInterval(d.settings.SampleInterval())
		d.controlSub[g] = sub
		d.subscribed |= 1 << g
	}
}

// unsubscribe closes the groups in mask
func (d *Driver) unsubscribe(mask GroupMask) {
	for g := 0; g < NumControlGroups; g++ {
		if !mask.Has(g) || d.controlSub[g] == nil {
			continue
		}
		d.controlSub[g].Close()
		d.controlSub[g] = nil
		d.subscribed &^= 1 << g
	}
}

// teardown releases every subscription so the next ModeOn starts clean
func (d *Driver) teardown() {
	d.unsubscribe(d.subscribed)
	if d.armedSub != nil {
		d.armedSub.Close()
		d.armedSub = nil
	}
	d.initialized = false
}

// mix follows the required groups, pulls fresh controls and writes the
// mixer outputs. Nothing is written in a period without fresh controls.
func (d *Driver) mix() {
	newly, drop := d.required.Diff(d.subscribed)
	d.subscribe(newly)
	d.unsubscribe(drop)

	fresh := 0
	for g, sub := range d.controlSub {
		if sub == nil || !sub.Updated() {
			continue
		}
		if v, ok := sub.Copy(); ok {
			d.controls[g] = v.Control
			fresh++
		}
	}
	if fresh == 0 || d.mixer == nil {
		return
	}

	n := min(d.mixer.Mix(d.outputs[:]), NumOutputs)
	for i := n; i < NumOutputs; i++ {
		d.outputs[i] = float32(math.NaN())
	}
	for i := 0; i < n; i++ {
		d.write(i, d.settings.Center+float64(d.outputs[i])*d.settings.Scale)
	}
}

// write sends one tick value to channel ch. Ticks are rounded first;
// values that are not finite or fall outside the configured range are
// dropped.
func (d *Driver) write(ch int, tick float64) {
	if math.IsNaN(tick) || math.IsInf(tick, 0) {
		return
	}
	tick = math.Round(tick)
	if tick < float64(d.settings.PWMMin) || tick > float64(d.settings.PWMMax) {
		return
	}
	if d.settings.GateOutputs {
		var ok bool
		tick, ok = d.limiter.Limit(ch, tick, d.gate.SafeToDrive(), d.queue.Clock().Now())
		if !ok {
			return
		}
	}
	d.put(ch, uint16(math.Round(tick)))
}

// put records value as the channel's rate and writes it
func (d *Driver) put(ch int, value uint16) {
	d.rates[ch] = value
	if err := d.out.SetPin(uint8(ch), value, d.settings.Invert[ch]); err != nil {
		d.logger.Debug("output write failed", "channel", ch, "error", err)
	}
}

// sampleArming mirrors the latest arming state into the gate
func (d *Driver) sampleArming() {
	if d.armedSub == nil || !d.armedSub.Updated() {
		return
	}
	v, ok := d.armedSub.Copy()
	if !ok {
		return
	}
	if d.gate.Update(armingState(v)) {
		d.logger.Info("arming changed", "safe", d.gate.SafeToDrive(),
			"armed", v.Armed, "prearmed", v.Prearmed, "lockdown", v.Lockdown)
	}
}

func armingState(v ctlbus.ActuatorArmed) ArmingState {
	return ArmingState{Armed: v.Armed, Prearmed: v.Prearmed, Lockdown: v.Lockdown}
}
