// Package memmap validates address ranges against the platform memory map.
package memmap

import (
	"errors"
	"fmt"
	"sort"
)

// Status codes reported with range failures, in the style of the platform
// support package return values.
const (
	StatusOK            uint32 = 0
	StatusInvalidRange  uint32 = 0xFFFFFFFE
	StatusInvalidLength uint32 = 0xFFFFFFFD
)

var (
	ErrOutOfRange = &RangeError{code: StatusInvalidRange, msg: "address range is outside the memory map"}
	ErrZeroSize   = &RangeError{code: StatusInvalidLength, msg: "range size is zero"}
)

// RangeError is returned by ValidateRange.
type RangeError struct {
	code uint32
	msg  string
}

func (e *RangeError) Error() string      { return e.msg }
func (e *RangeError) StatusCode() uint32 { return e.code }

// Kind classifies a memory region.
type Kind string

const (
	RAM    Kind = "ram"
	EEPROM Kind = "eeprom"
	Any    Kind = ""
)

// Region is one contiguous, accessible address range.
type Region struct {
	Name  string `json:"name"`
	Kind  Kind   `json:"kind"`
	Start uint32 `json:"start"`
	Size  uint32 `json:"size"`
}

func (r Region) end() uint64 { return uint64(r.Start) + uint64(r.Size) }

// Map is an immutable set of non-overlapping regions.
type Map struct {
	regions []Region
}

// New builds a Map. Regions must not overlap or wrap the 32-bit space.
func New(regions []Region) (*Map, error) {
	rs := make([]Region, len(regions))
	copy(rs, regions)
	sort.Slice(rs, func(i, j int) bool { return rs[i].Start < rs[j].Start })

	for i, r := range rs {
		if r.Size == 0 {
			return nil, fmt.Errorf("region %q has zero size", r.Name)
		}
		if r.end() > 1<<32 {
			return nil, fmt.Errorf("region %q wraps the address space", r.Name)
		}
		if i > 0 && uint64(r.Start) < rs[i-1].end() {
			return nil, fmt.Errorf("region %q overlaps %q", r.Name, rs[i-1].Name)
		}
	}
	return &Map{regions: rs}, nil
}

// Regions returns a copy of the map's regions ordered by start address.
func (m *Map) Regions() []Region {
	out := make([]Region, len(m.regions))
	copy(out, m.regions)
	return out
}

// ValidateRange reports whether [addr, addr+size) lies entirely inside one
// region of the requested kind. Any matches every kind.
func (m *Map) ValidateRange(addr, size uint32, kind Kind) error {
	if size == 0 {
		return ErrZeroSize
	}
	end := uint64(addr) + uint64(size)
	for _, r := range m.regions {
		if kind != Any && r.Kind != kind {
			continue
		}
		if addr >= r.Start && end <= r.end() {
			return nil
		}
	}
	return ErrOutOfRange
}

// StatusCode extracts the status code carried by err, or StatusOK for nil.
func StatusCode(err error) uint32 {
	if err == nil {
		return StatusOK
	}
	var re *RangeError
	if errors.As(err, &re) {
		return re.code
	}
	return StatusInvalidRange
}
