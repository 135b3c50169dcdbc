package compute

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/havencarlson/CS/internal/checksum"
	"github.com/havencarlson/CS/internal/monitoring"
	"github.com/havencarlson/CS/internal/timeutil"
)

var table = crc32.IEEETable

// Update continues a checksum over p.
func Update(crc uint32, p []byte) uint32 {
	return crc32.Update(crc, table, p)
}

// Checksum is the checksum of p from a zero start.
func Checksum(p []byte) uint32 { return Update(0, p) }

// Sweep is the background routine shared by all six targets. Each call
// checksums at most one budget-sized chunk of one enabled entry.
type Sweep struct {
	Mem io.ReaderAt
	buf []byte
}

var _ checksum.Background = (*Sweep)(nil)

// Step implements checksum.Background.
func (s *Sweep) Step(h *checksum.CursorHandle) bool {
	rec := h.Record()
	if !rec.Enabled {
		h.Advance()
		return false
	}
	for i := h.Entry(); i < len(rec.Entries); i++ {
		e := &rec.Entries[i]
		if !e.Enabled || e.Empty() {
			continue
		}
		h.SetEntry(i)

		done, value, err := s.chunk(e, h.Budget())
		if err != nil {
			e.ZeroTemp()
			h.ReadFailed(i, err)
			s.next(h, i, len(rec.Entries))
			return true
		}
		if done {
			switch {
			case !e.ComputedYet:
				e.Baseline = value
				e.ComputedYet = true
			case value != e.Baseline:
				h.Miscompare(i, value, e.Baseline)
			}
			s.next(h, i, len(rec.Entries))
		}
		return true
	}
	h.Advance()
	return false
}

func (s *Sweep) next(h *checksum.CursorHandle, i, n int) {
	if i+1 < n {
		h.SetEntry(i + 1)
		return
	}
	h.Advance()
}

// chunk folds the next budget bytes of e into its partial checksum.
func (s *Sweep) chunk(e *checksum.Entry, budget uint32) (bool, uint32, error) {
	remaining := e.Size - e.ByteOffset
	if budget == 0 || budget > remaining {
		budget = remaining
	}
	if cap(s.buf) < int(budget) {
		s.buf = make([]byte, budget)
	}
	buf := s.buf[:budget]
	if _, err := s.Mem.ReadAt(buf, int64(e.Address)+int64(e.ByteOffset)); err != nil {
		return false, 0, err
	}
	e.TempChecksum = Update(e.TempChecksum, buf)
	e.ByteOffset += budget
	if e.ByteOffset < e.Size {
		return false, 0, nil
	}
	value := e.TempChecksum
	e.ZeroTemp()
	return true, value, nil
}

// Workers returns the per-target routine table with sweep in every slot.
func Workers(sweep checksum.Background) checksum.Workers {
	var w checksum.Workers
	for _, t := range checksum.Targets {
		w[t] = sweep
	}
	return w
}

// Runner checksums whole ranges on the worker goroutine, one budget-sized
// chunk at a time with Delay between chunks.
type Runner struct {
	Mem   io.ReaderAt
	Clock timeutil.Clock
	Delay time.Duration
}

var _ checksum.Computer = (*Runner)(nil)

// Compute implements checksum.Computer.
func (r *Runner) Compute(ctx context.Context, rg checksum.Range) (uint32, error) {
	budget := rg.MaxBytesPerCycle
	if budget == 0 || budget > rg.Size {
		budget = rg.Size
	}
	clock := r.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	buf := make([]byte, budget)
	var crc uint32
	for off := uint32(0); off < rg.Size; {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n := min(budget, rg.Size-off)
		addr := int64(rg.Address) + int64(off)
		if _, err := r.Mem.ReadAt(buf[:n], addr); err != nil {
			return 0, fmt.Errorf("read 0x%08X+%d: %w", addr, n, err)
		}
		crc = Update(crc, buf[:n])
		off += n
		monitoring.Debugf("worker checksummed 0x%08X..0x%08X", rg.Address, uint64(rg.Address)+uint64(off))

		if off < rg.Size && r.Delay > 0 {
			select {
			case <-clock.After(r.Delay):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
	}
	return crc, nil
}
