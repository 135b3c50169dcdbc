package checksum

import (
	"errors"
	"fmt"
)

// Entry is one address range checked as part of a target. CfeCore and
// OsCore have exactly one entry; the tabled targets have one per table row.
type Entry struct {
	Name        string `json:"name"`
	Address     uint32 `json:"address"`
	Size        uint32 `json:"size"`
	Enabled     bool   `json:"enabled"`
	ComputedYet bool   `json:"computed_yet"`
	Baseline    uint32 `json:"baseline"`

	// Partial accumulation of the background sweep.
	ByteOffset   uint32 `json:"byte_offset"`
	TempChecksum uint32 `json:"temp_checksum"`
}

// Empty reports whether the entry has no range to check.
func (e *Entry) Empty() bool { return e.Size == 0 }

// ZeroTemp discards any partial accumulation.
func (e *Entry) ZeroTemp() {
	e.ByteOffset = 0
	e.TempChecksum = 0
}

// TargetRecord holds a target's enable flag and its entries.
type TargetRecord struct {
	Target  Target  `json:"target"`
	Enabled bool    `json:"enabled"`
	Entries []Entry `json:"entries"`
}

// Entry returns entry id, or false when id is out of range.
func (r *TargetRecord) Entry(id int) (*Entry, bool) {
	if id < 0 || id >= len(r.Entries) {
		return nil, false
	}
	return &r.Entries[id], true
}

// ComputedYet reports whether the first entry has a baseline.
func (r TargetRecord) ComputedYet() bool {
	return len(r.Entries) > 0 && r.Entries[0].ComputedYet
}

// Baseline returns the first entry's baseline.
func (r TargetRecord) Baseline() uint32 {
	if len(r.Entries) == 0 {
		return 0
	}
	return r.Entries[0].Baseline
}

// ZeroTemp discards the partial accumulation of every entry.
func (r *TargetRecord) ZeroTemp() {
	for i := range r.Entries {
		r.Entries[i].ZeroTemp()
	}
}

func (r *TargetRecord) clone() TargetRecord {
	c := *r
	c.Entries = make([]Entry, len(r.Entries))
	copy(c.Entries, r.Entries)
	return c
}

// Cursor is the background sweep position. Only valid targets can be
// stored in a Cursor.
type Cursor struct {
	target Target
	entry  int
}

var ErrInvalidCursor = errors.New("invalid cursor")

// NewCursor builds a cursor, rejecting targets outside the six and negative
// entries.
func NewCursor(t Target, entry int) (Cursor, error) {
	if !t.Valid() || entry < 0 {
		return Cursor{}, fmt.Errorf("%w: target=%d entry=%d", ErrInvalidCursor, uint8(t), entry)
	}
	return Cursor{target: t, entry: entry}, nil
}

func (c Cursor) Target() Target { return c.target }
func (c Cursor) Entry() int     { return c.entry }

// OneShotRequest is the snapshot of the last one-shot request and result.
type OneShotRequest struct {
	Address          uint32 `json:"address"`
	Size             uint32 `json:"size"`
	MaxBytesPerCycle uint32 `json:"max_bytes_per_cycle"`
	Checksum         uint32 `json:"checksum"`
}

// State is the integrity monitor's shared data. It is owned by an Engine and
// mutated only on the command goroutine; workers never hold a reference.
type State struct {
	enabled bool
	records [NumTargets]*TargetRecord
	cursor  Cursor

	passCounter   uint32
	cmdCounter    uint32
	cmdErrCounter uint32
	miscompares   [NumTargets]uint32

	recomputeInProgress bool
	oneShotInProgress   bool
	activeWorker        string

	lastOneShot OneShotRequest
	childTarget Target
	childEntry  int
}

// NewState builds the state with every target enabled. tables supplies the
// entries of each target; CfeCore and OsCore keep only their first entry
// and get an empty one when none is given.
func NewState(tables map[Target][]Entry) *State {
	s := &State{enabled: true}
	for _, t := range Targets {
		entries := append([]Entry(nil), tables[t]...)
		if !t.Tabled() {
			if len(entries) == 0 {
				entries = []Entry{{Name: t.String()}}
			}
			entries = entries[:1]
		}
		for i := range entries {
			entries[i].ComputedYet = false
			entries[i].ZeroTemp()
		}
		s.records[t] = &TargetRecord{Target: t, Enabled: true, Entries: entries}
	}
	return s
}

func (s *State) Enabled() bool               { return s.enabled }
func (s *State) Cursor() Cursor              { return s.cursor }
func (s *State) PassCounter() uint32         { return s.passCounter }
func (s *State) CmdCounter() uint32          { return s.cmdCounter }
func (s *State) CmdErrCounter() uint32       { return s.cmdErrCounter }
func (s *State) RecomputeInProgress() bool   { return s.recomputeInProgress }
func (s *State) OneShotInProgress() bool     { return s.oneShotInProgress }
func (s *State) ActiveWorker() string        { return s.activeWorker }
func (s *State) LastOneShot() OneShotRequest { return s.lastOneShot }

// Miscompares returns the miscompare counter of t.
func (s *State) Miscompares(t Target) uint32 { return s.miscompares[t] }

// Record returns a copy of t's record.
func (s *State) Record(t Target) TargetRecord { return s.records[t].clone() }

// WorkerBusy reports whether a recompute or one-shot owns the worker slot.
func (s *State) WorkerBusy() bool { return s.recomputeInProgress || s.oneShotInProgress }

// ResetCounters zeroes the command, error, pass and miscompare counters.
// Enable flags, baselines and the cursor are untouched.
func (s *State) ResetCounters() {
	s.cmdCounter = 0
	s.cmdErrCounter = 0
	s.passCounter = 0
	s.miscompares = [NumTargets]uint32{}
}

func (s *State) rewind() {
	s.cursor = Cursor{target: FirstTarget}
	s.passCounter++
}

// CheckInvariants verifies the structural invariants of the state.
func (s *State) CheckInvariants() error {
	if s.recomputeInProgress && s.oneShotInProgress {
		return errors.New("recompute and one-shot both in progress")
	}
	if (s.activeWorker != "") != s.WorkerBusy() {
		return fmt.Errorf("worker id %q does not match in-progress flags (recompute=%t oneshot=%t)",
			s.activeWorker, s.recomputeInProgress, s.oneShotInProgress)
	}
	if !s.cursor.target.Valid() {
		return fmt.Errorf("cursor target %d out of range", uint8(s.cursor.target))
	}
	if n := len(s.records[s.cursor.target].Entries); s.cursor.entry < 0 || (s.cursor.entry > 0 && s.cursor.entry >= n) {
		return fmt.Errorf("cursor entry %d out of range for %s (%d entries)", s.cursor.entry, s.cursor.target, n)
	}
	return nil
}

// TargetSnapshot is the read model of one target.
type TargetSnapshot struct {
	Target      Target  `json:"target"`
	Enabled     bool    `json:"enabled"`
	ComputedYet bool    `json:"computed_yet"`
	Baseline    uint32  `json:"baseline"`
	Miscompares uint32  `json:"miscompares"`
	Entries     []Entry `json:"entries"`
}

// Snapshot is the telemetry read model of the whole state.
type Snapshot struct {
	Enabled             bool             `json:"enabled"`
	Targets             []TargetSnapshot `json:"targets"`
	CurrentTarget       Target           `json:"current_target"`
	CurrentEntry        int              `json:"current_entry"`
	PassCounter         uint32           `json:"pass_counter"`
	CmdCounter          uint32           `json:"cmd_counter"`
	CmdErrCounter       uint32           `json:"cmd_err_counter"`
	RecomputeInProgress bool             `json:"recompute_in_progress"`
	OneShotInProgress   bool             `json:"oneshot_in_progress"`
	ActiveWorker        string           `json:"active_worker,omitempty"`
	ChildTaskTarget     Target           `json:"child_task_target"`
	ChildTaskEntry      int              `json:"child_task_entry"`
	LastOneShot         OneShotRequest   `json:"last_oneshot"`
}

// Snapshot copies the state into its read model.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		Enabled:             s.enabled,
		Targets:             make([]TargetSnapshot, 0, NumTargets),
		CurrentTarget:       s.cursor.target,
		CurrentEntry:        s.cursor.entry,
		PassCounter:         s.passCounter,
		CmdCounter:          s.cmdCounter,
		CmdErrCounter:       s.cmdErrCounter,
		RecomputeInProgress: s.recomputeInProgress,
		OneShotInProgress:   s.oneShotInProgress,
		ActiveWorker:        s.activeWorker,
		ChildTaskTarget:     s.childTarget,
		ChildTaskEntry:      s.childEntry,
		LastOneShot:         s.lastOneShot,
	}
	for _, t := range Targets {
		rec := s.records[t].clone()
		snap.Targets = append(snap.Targets, TargetSnapshot{
			Target:      t,
			Enabled:     rec.Enabled,
			ComputedYet: rec.ComputedYet(),
			Baseline:    rec.Baseline(),
			Miscompares: s.miscompares[t],
			Entries:     rec.Entries,
		})
	}
	return snap
}

// EnableStates are the flags preserved across restarts.
type EnableStates struct {
	Enabled bool               `json:"enabled"`
	Targets [NumTargets]bool   `json:"targets"`
	Entries [NumTargets][]bool `json:"entries"`
}

// EnableStates captures the current enable flags.
func (s *State) EnableStates() EnableStates {
	es := EnableStates{Enabled: s.enabled}
	for _, t := range Targets {
		rec := s.records[t]
		es.Targets[t] = rec.Enabled
		es.Entries[t] = make([]bool, len(rec.Entries))
		for i := range rec.Entries {
			es.Entries[t][i] = rec.Entries[i].Enabled
		}
	}
	return es
}

// ApplyEnableStates restores preserved flags. Entry flags are applied only
// to entries that still exist.
func (s *State) ApplyEnableStates(es EnableStates) {
	s.enabled = es.Enabled
	for _, t := range Targets {
		rec := s.records[t]
		rec.Enabled = es.Targets[t]
		for i := range rec.Entries {
			if i < len(es.Entries[t]) {
				rec.Entries[i].Enabled = es.Entries[t][i]
			}
		}
	}
}
