package mcu

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Dictionary is the parsed MCU data dictionary. Command and response keys
// are "name arg=%fmt ..." strings as the firmware declares them.
type Dictionary struct {
	Version       string                    `json:"version"`
	BuildVersions string                    `json:"build_versions"`
	Config        map[string]any            `json:"config"`
	Commands      map[string]int            `json:"commands"`
	Responses     map[string]int            `json:"responses"`
	Enumerations  map[string]map[string]int `json:"enumerations,omitempty"`
}

// ParseDictionary decodes raw dictionary bytes, inflating them first when
// they carry a zlib header
func ParseDictionary(raw []byte) (*Dictionary, error) {
	data := raw
	if isZlib(raw) {
		r, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to open compressed dictionary: %w", err)
		}
		defer r.Close()
		if data, err = io.ReadAll(r); err != nil {
			return nil, fmt.Errorf("failed to inflate dictionary: %w", err)
		}
	}

	dict := &Dictionary{}
	if err := json.Unmarshal(data, dict); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dictionary: %w", err)
	}
	return dict, nil
}

// zlib streams start with CMF 0x78 and a header checksum divisible by 31
func isZlib(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x78 && (uint16(data[0])<<8|uint16(data[1]))%31 == 0
}

// CommandID looks up a host-to-MCU command by name
func (d *Dictionary) CommandID(name string) (uint16, bool) {
	return lookup(d.Commands, name)
}

// ResponseID looks up an MCU-to-host message by name
func (d *Dictionary) ResponseID(name string) (uint16, bool) {
	return lookup(d.Responses, name)
}

func lookup(table map[string]int, name string) (uint16, bool) {
	for key, id := range table {
		if key == name || strings.HasPrefix(key, name+" ") {
			return uint16(id), true
		}
	}
	return 0, false
}
