package ctlbus

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Message is one UDP datagram. Exactly one of Controls or Armed is set.
type Message struct {
	Controls *ControlsMessage `cbor:"1,keyasint,omitempty"`
	Armed    *ArmedMessage    `cbor:"2,keyasint,omitempty"`
}

// ControlsMessage carries one control group; missing trailing controls
// are zero
type ControlsMessage struct {
	Group   uint8     `cbor:"1,keyasint"`
	Control []float32 `cbor:"2,keyasint"`
}

// ArmedMessage carries the arming flags
type ArmedMessage struct {
	Armed    bool `cbor:"1,keyasint"`
	Prearmed bool `cbor:"2,keyasint,omitempty"`
	Lockdown bool `cbor:"3,keyasint,omitempty"`
}

var (
	ErrEmptyMessage = errors.New("ctlbus: message carries neither controls nor arming state")
	ErrTooManyInput = errors.New("ctlbus: too many controls in group")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// EncodeMessage encodes msg for the wire
func EncodeMessage(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(msg)
}

// DecodeMessage decodes and validates one datagram
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := decMode.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Validate checks the message shape
func (m Message) Validate() error {
	if m.Controls == nil && m.Armed == nil {
		return ErrEmptyMessage
	}
	if c := m.Controls; c != nil {
		if int(c.Group) >= NumControlGroups {
			return fmt.Errorf("ctlbus: control group %d out of range", c.Group)
		}
		if len(c.Control) > NumControls {
			return fmt.Errorf("%w: %d", ErrTooManyInput, len(c.Control))
		}
	}
	return nil
}

// Apply publishes the message contents on b
func (m Message) Apply(b *Bus) error {
	if c := m.Controls; c != nil {
		var control [NumControls]float32
		copy(control[:], c.Control)
		if err := b.PublishControls(int(c.Group), control); err != nil {
			return err
		}
	}
	if a := m.Armed; a != nil {
		b.PublishArmed(a.Armed, a.Prearmed, a.Lockdown)
	}
	return nil
}
