package driver

import (
	"errors"
	"fmt"
	"strings"
)

// Mode selects what the control loop does each period
type Mode int

const (
	ModeOff Mode = iota
	ModeOn
	ModeTestOut
)

// ErrUnknownMode is returned for a mode outside the defined set
var ErrUnknownMode = errors.New("driver: unknown mode")

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeOn:
		return "on"
	case ModeTestOut:
		return "test"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func (m Mode) valid() bool {
	return m >= ModeOff && m <= ModeTestOut
}

// ParseMode accepts the names printed by String
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off":
		return ModeOff, nil
	case "on":
		return ModeOn, nil
	case "test", "testout":
		return ModeTestOut, nil
	}
	return ModeOff, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// GroupMask is a bitset over control groups
type GroupMask uint32

// Has reports whether group is set
func (m GroupMask) Has(group int) bool {
	return group >= 0 && group < NumControlGroups && m&(1<<group) != 0
}

// Diff returns the groups to subscribe and to drop when moving from the
// subscribed set to the required set m
func (m GroupMask) Diff(subscribed GroupMask) (newly, drop GroupMask) {
	return m &^ subscribed, subscribed &^ m
}
