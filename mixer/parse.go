package mixer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Parse reads a text mixer definition. Each mixer starts with a tag line:
//
//	Z:                          null mixer
//	M: <n>                      simple mixer with n inputs, followed by
//	O: <neg> <pos> <off> <min> <max>
//	S: <group> <index> <neg> <pos> <off> <min> <max>   (n times)
//
// Scaler values are integers scaled by 10000. Lines that do not start with
// a tag are ignored.
func Parse(source ControlSource, text string) ([]Mixer, error) {
	if len(text) > MaxLoadSize {
		return nil, &ConfigError{Reason: fmt.Sprintf("definition is %d bytes, limit is %d", len(text), MaxLoadSize)}
	}

	p := &parser{lines: strings.Split(text, "\n")}
	var mixers []Mixer
	for {
		tag, args, line, ok := p.nextTag()
		if !ok {
			break
		}
		switch tag {
		case 'Z':
			mixers = append(mixers, Null{})
		case 'M':
			m, err := p.simple(source, args, line)
			if err != nil {
				return nil, err
			}
			mixers = append(mixers, m)
		case 'O', 'S':
			return nil, &ConfigError{Line: line, Reason: fmt.Sprintf("%c: outside a mixer", tag)}
		default:
			return nil, &ConfigError{Line: line, Reason: fmt.Sprintf("unsupported mixer type %c:", tag)}
		}
	}
	if len(mixers) == 0 {
		return nil, &ConfigError{Reason: "no mixers defined"}
	}
	return mixers, nil
}

type parser struct {
	lines []string
	pos   int
}

// nextTag returns the next "X:" line, skipping anything else
func (p *parser) nextTag() (tag byte, args []string, line int, ok bool) {
	for p.pos < len(p.lines) {
		text := strings.TrimSpace(p.lines[p.pos])
		p.pos++
		if len(text) >= 2 && text[1] == ':' && text[0] >= 'A' && text[0] <= 'Z' {
			return text[0], strings.Fields(text[2:]), p.pos, true
		}
	}
	return 0, nil, 0, false
}

func (p *parser) expect(tag byte) ([]string, int, error) {
	got, args, line, ok := p.nextTag()
	if !ok {
		return nil, line, &ConfigError{Line: len(p.lines), Reason: fmt.Sprintf("missing %c: line", tag)}
	}
	if got != tag {
		return nil, line, &ConfigError{Line: line, Reason: fmt.Sprintf("expected %c:, got %c:", tag, got)}
	}
	return args, line, nil
}

func (p *parser) simple(source ControlSource, args []string, line int) (Mixer, error) {
	if len(args) != 1 {
		return nil, &ConfigError{Line: line, Reason: "M: takes one input count"}
	}
	count, err := strconv.Atoi(args[0])
	if err != nil || count < 0 || count > NumControlGroups*NumControls {
		return nil, &ConfigError{Line: line, Reason: fmt.Sprintf("bad input count %q", args[0])}
	}

	args, line, err = p.expect('O')
	if err != nil {
		return nil, err
	}
	out, err := parseScaler(args, line)
	if err != nil {
		return nil, err
	}

	desc := SimpleDesc{Output: out}
	for i := 0; i < count; i++ {
		args, line, err = p.expect('S')
		if err != nil {
			return nil, err
		}
		if len(args) != 7 {
			return nil, &ConfigError{Line: line, Reason: "S: takes group, index and five scaler values"}
		}
		group, gerr := strconv.ParseUint(args[0], 10, 8)
		index, ierr := strconv.ParseUint(args[1], 10, 8)
		if gerr != nil || ierr != nil {
			return nil, &ConfigError{Line: line, Reason: "bad control group or index"}
		}
		scaler, err := parseScaler(args[2:], line)
		if err != nil {
			return nil, err
		}
		desc.Inputs = append(desc.Inputs, ControlInput{Group: uint8(group), Index: uint8(index), Scaler: scaler})
	}

	m, err := NewSimple(source, desc)
	if err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) && ce.Line == 0 {
			ce.Line = line
		}
		return nil, err
	}
	return m, nil
}

func parseScaler(args []string, line int) (Scaler, error) {
	if len(args) != 5 {
		return Scaler{}, &ConfigError{Line: line, Reason: fmt.Sprintf("expected 5 scaler values, got %d", len(args))}
	}
	var v [5]float32
	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return Scaler{}, &ConfigError{Line: line, Reason: fmt.Sprintf("bad scaler value %q", a)}
		}
		v[i] = float32(n) / 10000
	}
	return Scaler{NegativeScale: v[0], PositiveScale: v[1], Offset: v[2], MinOutput: v[3], MaxOutput: v[4]}, nil
}
