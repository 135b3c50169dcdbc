package checksum

import (
	"context"

	"github.com/havencarlson/CS/internal/memmap"
)

// TaskHost creates and deletes the worker task. Create and Delete must not
// block: they either succeed or report failure immediately.
type TaskHost interface {
	Create(name string, fn func(ctx context.Context)) (string, error)
	Delete(id string) error
}

// RangeValidator checks an address range against the platform memory map.
type RangeValidator interface {
	ValidateRange(addr, size uint32, kind memmap.Kind) error
}

// Range is a worker's read-only input: the bytes to checksum and the
// per-cycle budget.
type Range struct {
	Address          uint32
	Size             uint32
	MaxBytesPerCycle uint32
}

// Computer checksums a whole range on the worker goroutine. It must return
// when ctx is cancelled.
type Computer interface {
	Compute(ctx context.Context, r Range) (uint32, error)
}

// Background is one target's incremental sweep routine. Step works on the
// entry under the cursor and reports whether it consumed this tick's budget.
// When its target is finished it calls h.Advance; otherwise it leaves the
// cursor on its own target.
type Background interface {
	Step(h *CursorHandle) (exhausted bool)
}

// BackgroundFunc adapts a function to Background.
type BackgroundFunc func(h *CursorHandle) bool

func (f BackgroundFunc) Step(h *CursorHandle) bool { return f(h) }

// Workers is the per-target table of background routines, indexed by
// Target. A nil slot is skipped as if its target had nothing to do.
type Workers [NumTargets]Background

// StateStore persists the enable flags across restarts.
type StateStore interface {
	SaveEnableStates(ctx context.Context, es EnableStates) error
	LoadEnableStates(ctx context.Context) (EnableStates, bool, error)
}
