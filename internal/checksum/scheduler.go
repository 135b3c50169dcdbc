package checksum

import (
	"github.com/havencarlson/CS/internal/events"
	"github.com/havencarlson/CS/internal/timeutil"
)

// CursorHandle is the narrow view of State a background routine gets for
// one cycle. It exposes the cursor, the current target's record and the
// miscompare bookkeeping, and nothing else.
type CursorHandle struct {
	s       *State
	sched   *Scheduler
	wrapped bool
}

// Target is the target under the cursor.
func (h *CursorHandle) Target() Target { return h.s.cursor.target }

// Entry is the entry under the cursor.
func (h *CursorHandle) Entry() int { return h.s.cursor.entry }

// SetEntry moves the cursor within the current target.
func (h *CursorHandle) SetEntry(i int) {
	if i < 0 {
		i = 0
	}
	h.s.cursor.entry = i
}

// Record is the current target's record. Only that target's background
// routine writes through it.
func (h *CursorHandle) Record() *TargetRecord { return h.s.records[h.s.cursor.target] }

// Budget is the number of bytes a routine may checksum this cycle.
func (h *CursorHandle) Budget() uint32 { return h.sched.budget }

// Advance moves the cursor to entry 0 of the next target. Advancing past
// the last target completes a pass.
func (h *CursorHandle) Advance() {
	next, ok := h.s.cursor.target.Next()
	if !ok {
		h.s.rewind()
		h.wrapped = true
		return
	}
	h.s.cursor = Cursor{target: next}
}

// Miscompare records a mismatch between a freshly computed checksum and the
// stored baseline of an entry of the current target.
func (h *CursorHandle) Miscompare(entry int, computed, baseline uint32) {
	t := h.s.cursor.target
	h.s.miscompares[t]++
	miscomparesTotal.WithLabelValues(t.String()).Inc()
	h.sched.emit(events.MiscompareError, events.Error,
		"Checksum Failure: %s, Expected: 0x%08X, Calculated: 0x%08X", entryLabel(t, entry), baseline, computed)
}

// ReadFailed reports an entry whose memory could not be read.
func (h *CursorHandle) ReadFailed(entry int, err error) {
	h.sched.emit(events.ReadError, events.Error,
		"Read of %s failed: %v", entryLabel(h.s.cursor.target, entry), err)
}

// Scheduler drives the budget-bounded round-robin background sweep.
type Scheduler struct {
	state   *State
	workers Workers
	budget  uint32
	emitter
	stats cycleStats
}

// NewScheduler builds a scheduler over state with one background routine
// per target.
func NewScheduler(state *State, workers Workers, budget uint32, sink events.Sink, clock timeutil.Clock) *Scheduler {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Scheduler{
		state:   state,
		workers: workers,
		budget:  budget,
		emitter: emitter{sink: sink, clock: clock},
	}
}

// RunCycle performs one background tick. It does nothing while checking is
// disabled and skips the tick while a worker owns the slot. Otherwise it
// steps target routines in order from the cursor until one consumes the
// budget or the end of the list is reached.
func (s *Scheduler) RunCycle() Outcome {
	st := s.state
	if !st.enabled {
		cyclesTotal.WithLabelValues("disabled").Inc()
		return OK
	}
	if st.WorkerBusy() {
		cyclesTotal.WithLabelValues("skipped").Inc()
		s.emit(events.SkipCycleInfo, events.Info, "Skipping background cycle. Recompute or oneshot in progress.")
		return Skipped
	}

	start := s.clock.Now()
	defer func() {
		d := s.clock.Since(start)
		cycleDuration.Observe(d.Seconds())
		s.stats.add(d)
	}()
	cyclesTotal.WithLabelValues("ran").Inc()

	h := &CursorHandle{s: st, sched: s}
	for range NumTargets {
		t := st.cursor.target
		endOfList := t == LastTarget

		h.wrapped = false
		exhausted := s.step(t, h)
		if h.wrapped {
			s.passComplete()
		}
		if exhausted || h.wrapped {
			return OK
		}
		if endOfList {
			st.rewind()
			s.passComplete()
			return OK
		}
	}
	// Every routine declined the tick without moving off its target.
	st.rewind()
	s.passComplete()
	return OK
}

func (s *Scheduler) step(t Target, h *CursorHandle) bool {
	w := s.workers[t]
	if w == nil {
		h.Advance()
		return false
	}
	return w.Step(h)
}

func (s *Scheduler) passComplete() {
	passesTotal.Inc()
	s.emit(events.PassCompleteDebug, events.Debug, "Background pass %d started", s.state.passCounter)
}

// CycleStats summarises the durations of recent cycles.
func (s *Scheduler) CycleStats() CycleStats { return s.stats.summary() }
