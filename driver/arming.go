package driver

import (
	"math"
	"time"
)

// ArmingState mirrors the vehicle arming flags
type ArmingState struct {
	Armed    bool
	Prearmed bool
	Lockdown bool
}

// SafeToDrive reports whether outputs may move
func (a ArmingState) SafeToDrive() bool {
	return (a.Armed || a.Prearmed) && !a.Lockdown
}

// ArmingGate keeps the last arming state and the derived safety flag
type ArmingGate struct {
	state ArmingState
	safe  bool
}

// Update stores s and reports whether the safety flag changed
func (g *ArmingGate) Update(s ArmingState) bool {
	g.state = s
	safe := s.SafeToDrive()
	changed := safe != g.safe
	g.safe = safe
	return changed
}

// SafeToDrive returns the derived flag
func (g *ArmingGate) SafeToDrive() bool {
	return g.safe
}

// State returns the last mirrored flags
func (g *ArmingGate) State() ArmingState {
	return g.state
}

// Limiter shapes outputs around arming transitions. Limit returns the tick
// to write for output ch and false when the write is suppressed.
type Limiter interface {
	Init()
	Limit(ch int, tick float64, safe bool, now time.Time) (float64, bool)
}

// DefaultRampTime is how long outputs take to reach their target after
// arming
const DefaultRampTime = 500 * time.Millisecond

// rampLimiter holds outputs while unsafe and moves them from center to
// their target over rampTime once safe
type rampLimiter struct {
	center   float64
	rampTime time.Duration
	safe     bool
	safeAt   time.Time
}

// NewRampLimiter returns the default limiter: writes are held while unsafe
// and ramp from center to their target over rampTime after arming
func NewRampLimiter(center float64, rampTime time.Duration) Limiter {
	return &rampLimiter{center: center, rampTime: rampTime}
}

func (r *rampLimiter) Init() {
	r.safe = false
	r.safeAt = time.Time{}
}

func (r *rampLimiter) Limit(ch int, tick float64, safe bool, now time.Time) (float64, bool) {
	if !safe {
		r.safe = false
		return 0, false
	}
	if !r.safe {
		r.safe = true
		r.safeAt = now
	}
	if r.rampTime <= 0 {
		return tick, true
	}
	progress := math.Min(1, float64(now.Sub(r.safeAt))/float64(r.rampTime))
	return r.center + (tick-r.center)*progress, true
}
