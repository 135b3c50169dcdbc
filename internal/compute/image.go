// Package compute provides the checksum work behind the engine: a
// byte-addressable memory image, the per-target background routine and the
// worker that checksums a whole range.
package compute

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/havencarlson/CS/internal/memmap"
)

var ErrUnmapped = errors.New("address range is not backed by the image")

// Segment is one contiguous block of the image.
type Segment struct {
	Start uint32
	Data  []byte
}

func (s Segment) end() uint64 { return uint64(s.Start) + uint64(len(s.Data)) }

// Image is a sparse 32-bit address space. It implements io.ReaderAt with
// the offset taken as an absolute address.
type Image struct {
	mu   sync.RWMutex
	segs []Segment
}

// NewImage builds an image from non-overlapping segments.
func NewImage(segs ...Segment) (*Image, error) {
	ss := make([]Segment, len(segs))
	copy(ss, segs)
	sort.Slice(ss, func(i, j int) bool { return ss[i].Start < ss[j].Start })
	for i := 1; i < len(ss); i++ {
		if uint64(ss[i].Start) < ss[i-1].end() {
			return nil, fmt.Errorf("segment at 0x%08X overlaps segment at 0x%08X", ss[i].Start, ss[i-1].Start)
		}
	}
	return &Image{segs: ss}, nil
}

// FromRegions backs every region of a memory map with a deterministic fill
// pattern. Regions listed in data use those bytes instead, padded with the
// pattern when shorter than the region.
func FromRegions(regions []memmap.Region, data map[string][]byte) (*Image, error) {
	segs := make([]Segment, 0, len(regions))
	for _, r := range regions {
		b := Pattern(r.Start, r.Size)
		copy(b, data[r.Name])
		segs = append(segs, Segment{Start: r.Start, Data: b})
	}
	return NewImage(segs...)
}

// Pattern returns size bytes of a fill pattern derived from the address.
func Pattern(start, size uint32) []byte {
	b := make([]byte, size)
	for i := range b {
		a := start + uint32(i)
		b[i] = byte(a*31 + a>>8 + 7)
	}
	return b
}

func (m *Image) find(addr uint32, n int) (Segment, bool) {
	end := uint64(addr) + uint64(n)
	for _, s := range m.segs {
		if addr >= s.Start && end <= s.end() {
			return s, true
		}
	}
	return Segment{}, false
}

// ReadAt copies len(p) bytes starting at address off.
func (m *Image) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > 0xFFFFFFFF {
		return 0, fmt.Errorf("%w: 0x%X", ErrUnmapped, off)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.find(uint32(off), len(p))
	if !ok {
		return 0, fmt.Errorf("%w: 0x%08X+%d", ErrUnmapped, off, len(p))
	}
	return copy(p, s.Data[uint32(off)-s.Start:]), nil
}

// WriteAt patches the image in place, which is how tests and the fault
// injector corrupt memory.
func (m *Image) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > 0xFFFFFFFF {
		return 0, fmt.Errorf("%w: 0x%X", ErrUnmapped, off)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.find(uint32(off), len(p))
	if !ok {
		return 0, fmt.Errorf("%w: 0x%08X+%d", ErrUnmapped, off, len(p))
	}
	return copy(s.Data[uint32(off)-s.Start:], p), nil
}
