package checksum

import (
	"fmt"
	"strings"
)

// Target is one of the six checkable regions. The declaration order is the
// round-robin order of the background sweep.
type Target uint8

const (
	CfeCore Target = iota
	OsCore
	Eeprom
	Memory
	Tables
	App
)

// NumTargets is the number of checkable targets.
const NumTargets = 6

// FirstTarget and LastTarget bound the sweep.
const (
	FirstTarget = CfeCore
	LastTarget  = App
)

// Targets lists every target in sweep order.
var Targets = [NumTargets]Target{CfeCore, OsCore, Eeprom, Memory, Tables, App}

var targetNames = [NumTargets]string{"CfeCore", "OsCore", "Eeprom", "Memory", "Tables", "App"}

// Valid reports whether t names one of the six targets.
func (t Target) Valid() bool { return t <= LastTarget }

// Next returns the target after t in sweep order. ok is false when t is the
// last target.
func (t Target) Next() (next Target, ok bool) {
	if t >= LastTarget {
		return FirstTarget, false
	}
	return t + 1, true
}

// Tabled reports whether the target is defined by a table of entries rather
// than a single code segment.
func (t Target) Tabled() bool { return t >= Eeprom && t <= App }

func (t Target) String() string {
	if !t.Valid() {
		return fmt.Sprintf("Target(%d)", uint8(t))
	}
	return targetNames[t]
}

// ParseTarget resolves a target name, case-insensitively.
func ParseTarget(s string) (Target, error) {
	for i, n := range targetNames {
		if strings.EqualFold(n, strings.TrimSpace(s)) {
			return Target(i), nil
		}
	}
	return 0, fmt.Errorf("unknown target %q", s)
}

// MarshalText encodes the target by name.
func (t Target) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid target %d", uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes a target name.
func (t *Target) UnmarshalText(b []byte) error {
	v, err := ParseTarget(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
