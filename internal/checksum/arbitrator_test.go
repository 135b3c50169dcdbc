package checksum

import (
	"context"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havencarlson/CS/internal/command"
	"github.com/havencarlson/CS/internal/events"
	"github.com/havencarlson/CS/internal/memmap"
)

func oneShotPayload(addr, size, max uint32) []byte {
	return command.OneShotArgs{Address: addr, Size: size, MaxBytesPerCycle: max}.Marshal()
}

func TestDisableAll_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.state.records[Eeprom].Entries[0].ByteOffset = 0x20
	h.state.records[Eeprom].Entries[0].TempChecksum = 0x1234

	require.Equal(t, OK, h.send(command.DisableAll, nil))
	once := h.eng.Snapshot()
	require.Equal(t, OK, h.send(command.DisableAll, nil))
	twice := h.eng.Snapshot()

	ignoreCounter := cmpopts.IgnoreFields(Snapshot{}, "CmdCounter")
	if diff := cmp.Diff(once, twice, ignoreCounter); diff != "" {
		t.Errorf("second DisableAll changed state (-once +twice):\n%s", diff)
	}
	assert.False(t, twice.Enabled)
	assert.Zero(t, twice.Targets[Eeprom].Entries[0].ByteOffset)
	assert.Zero(t, twice.Targets[Eeprom].Entries[0].TempChecksum)
	assert.Equal(t, uint32(2), twice.CmdCounter)
}

func TestEnableAll_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.send(command.EnableAll, nil)
	once := h.eng.Snapshot()
	h.send(command.EnableAll, nil)
	twice := h.eng.Snapshot()

	if diff := cmp.Diff(once, twice, cmpopts.IgnoreFields(Snapshot{}, "CmdCounter")); diff != "" {
		t.Errorf("second EnableAll changed state (-once +twice):\n%s", diff)
	}
	assert.True(t, twice.Enabled)
}

func TestDisableAll_KeepsBaselines(t *testing.T) {
	h := newHarness(t)
	e := &h.state.records[CfeCore].Entries[0]
	e.ComputedYet = true
	e.Baseline = 0xDEADBEEF
	e.ByteOffset = 0x80

	h.send(command.DisableAll, nil)

	rec := h.state.Record(CfeCore)
	assert.True(t, rec.Entries[0].ComputedYet)
	assert.Equal(t, uint32(0xDEADBEEF), rec.Entries[0].Baseline)
	assert.Zero(t, rec.Entries[0].ByteOffset)
}

func TestDisableTarget_ZeroesOnlyThatTarget(t *testing.T) {
	h := newHarness(t)
	h.state.records[OsCore].Entries[0].TempChecksum = 7
	h.state.records[App].Entries[0].TempChecksum = 9

	require.Equal(t, OK, h.send(command.DisableOsCore, nil))

	assert.False(t, h.state.Record(OsCore).Enabled)
	assert.Zero(t, h.state.Record(OsCore).Entries[0].TempChecksum)
	assert.Equal(t, uint32(9), h.state.Record(App).Entries[0].TempChecksum)
	assert.Equal(t, events.DisableTargetInfo, h.lastEvent(t).ID)

	require.Equal(t, OK, h.send(command.EnableOsCore, nil))
	assert.True(t, h.state.Record(OsCore).Enabled)
}

func TestRecompute_RoundTrip(t *testing.T) {
	h := newHarness(t)

	require.Equal(t, NotYetComputed, h.send(command.ReportCfeCore, nil))
	assert.Equal(t, events.NoBaselineInfo, h.lastEvent(t).ID)

	require.Equal(t, Started, h.send(command.RecomputeCfeCore, nil))
	assert.True(t, h.state.RecomputeInProgress())
	assert.Equal(t, "task-1", h.state.ActiveWorker())
	h.mustHold(t)

	h.host.runLast(t)
	assert.Equal(t, Range{Address: 0x1000, Size: 0x100, MaxBytesPerCycle: testBudget}, h.comp.lastRange())
	assert.True(t, h.state.RecomputeInProgress(), "result is not applied until the command goroutine reaps it")

	// the completion is applied by the next dispatch
	require.Equal(t, Reported, h.send(command.ReportCfeCore, nil))
	assert.False(t, h.state.RecomputeInProgress())
	assert.Empty(t, h.state.ActiveWorker())
	assert.Equal(t, uint32(0xCAFEF00D), h.state.Record(CfeCore).Baseline())
	assert.Contains(t, h.lastEvent(t).Message, "0xCAFEF00D")
	h.mustHold(t)
}

func TestRecompute_TableEntry(t *testing.T) {
	h := newHarness(t)
	h.comp.value = 0x0BADF00D

	require.Equal(t, Started, h.send(command.RecomputeEeprom, command.EntryArgs{EntryID: 1}.Marshal()))
	h.host.runLast(t)
	assert.Equal(t, uint32(0x8100), h.comp.lastRange().Address)

	out := h.send(command.ReportEeprom, command.EntryArgs{EntryID: 1}.Marshal())
	require.Equal(t, Reported, out)
	assert.Equal(t, "Baseline of Eeprom entry 1 is 0x0BADF00D", h.lastEvent(t).Message)

	// entry 0 was not touched
	assert.Equal(t, NotYetComputed, h.send(command.ReportEeprom, command.EntryArgs{EntryID: 0}.Marshal()))
}

func TestRecompute_InvalidEntry(t *testing.T) {
	tests := []struct {
		name  string
		entry uint32
	}{
		{"empty slot", 2},
		{"past end", 9},
		{"huge", 0xFFFFFFFF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			out := h.send(command.RecomputeEeprom, command.EntryArgs{EntryID: tt.entry}.Marshal())
			assert.Equal(t, InvalidEntry, out)
			assert.Equal(t, uint32(1), h.state.CmdErrCounter())
			assert.Zero(t, h.host.created())
			assert.Equal(t, events.InvalidEntryError, h.lastEvent(t).ID)
		})
	}
}

func TestRecompute_BusyLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, Started, h.send(command.RecomputeCfeCore, nil))
	before := h.eng.Snapshot()

	out := h.send(command.RecomputeOsCore, nil)

	assert.Equal(t, Busy, out)
	after := h.eng.Snapshot()
	assert.Equal(t, before.CmdErrCounter+1, after.CmdErrCounter)
	assert.Equal(t, before.CmdCounter, after.CmdCounter)
	if diff := cmp.Diff(before, after, cmpopts.IgnoreFields(Snapshot{}, "CmdErrCounter")); diff != "" {
		t.Errorf("Busy rejection mutated state (-before +after):\n%s", diff)
	}
	assert.Equal(t, "Recompute OsCore failed: child task in use", h.lastEvent(t).Message)
	assert.Equal(t, 1, h.host.created())
}

func TestOneShot_BusyWhileRecompute(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, Started, h.send(command.RecomputeOsCore, nil))
	before := h.eng.Snapshot()

	assert.Equal(t, Busy, h.send(command.OneShot, oneShotPayload(0x1000, 0x10, 0)))
	after := h.eng.Snapshot()
	if diff := cmp.Diff(before, after, cmpopts.IgnoreFields(Snapshot{}, "CmdErrCounter")); diff != "" {
		t.Errorf("Busy rejection mutated state (-before +after):\n%s", diff)
	}
	assert.Equal(t, events.OneShotBusyError, h.lastEvent(t).ID)
}

func TestRecompute_BusyWhileOneShot(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, Started, h.send(command.OneShot, oneShotPayload(0x1000, 0x10, 0)))
	assert.Equal(t, Busy, h.send(command.RecomputeApp, command.EntryArgs{}.Marshal()))
	h.mustHold(t)
}

func TestOneShot_BudgetResolution(t *testing.T) {
	tests := []struct {
		name string
		max  uint32
		want uint32
	}{
		{"zero selects default", 0, testBudget},
		{"explicit", 0x400, 0x400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			require.Equal(t, Started, h.send(command.OneShot, oneShotPayload(0x3000, 0x80, tt.max)))

			snap := h.eng.Snapshot()
			assert.Equal(t, tt.want, snap.LastOneShot.MaxBytesPerCycle)
			assert.Equal(t, uint32(0x3000), snap.LastOneShot.Address)
			assert.Equal(t, uint32(0x80), snap.LastOneShot.Size)
			assert.Zero(t, snap.LastOneShot.Checksum)
			assert.True(t, snap.OneShotInProgress)
			assert.False(t, snap.RecomputeInProgress)

			h.finishWorker(t)
			assert.Equal(t, tt.want, h.comp.lastRange().MaxBytesPerCycle)
			assert.Equal(t, uint32(0xCAFEF00D), h.state.LastOneShot().Checksum)
			assert.False(t, h.state.OneShotInProgress())
			assert.Equal(t, events.OneShotFinishedInfo, h.lastEvent(t).ID)
		})
	}
}

func TestOneShot_InvalidRange(t *testing.T) {
	h := newHarness(t)
	h.ranges.err = memmap.ErrOutOfRange

	out := h.send(command.OneShot, oneShotPayload(0xFFFF0000, 0x100, 0))

	assert.Equal(t, InvalidRange, out)
	assert.Zero(t, h.host.created())
	assert.False(t, h.state.OneShotInProgress())
	assert.Equal(t, uint32(1), h.state.CmdErrCounter())
	assert.Zero(t, h.state.CmdCounter())
	assert.Contains(t, h.lastEvent(t).Message, "0xFFFFFFFE")
	h.mustHold(t)
}

func TestSpawnFailure_RollsBack(t *testing.T) {
	h := newHarness(t)
	h.host.createErr = statusErr(0xC4000005)

	assert.Equal(t, SpawnFailed, h.send(command.RecomputeCfeCore, nil))
	assert.False(t, h.state.RecomputeInProgress())
	assert.Contains(t, h.lastEvent(t).Message, "0xC4000005")
	h.mustHold(t)

	assert.Equal(t, SpawnFailed, h.send(command.OneShot, oneShotPayload(0, 4, 0)))
	assert.False(t, h.state.OneShotInProgress())
	assert.False(t, h.state.RecomputeInProgress())
	assert.Equal(t, uint32(2), h.state.CmdErrCounter())
	assert.Zero(t, h.state.CmdCounter())
	h.mustHold(t)

	// the engine stays usable
	h.host.createErr = nil
	assert.Equal(t, Started, h.send(command.RecomputeCfeCore, nil))
}

func TestWorkerFailure_ClearsFlagWithoutBaseline(t *testing.T) {
	h := newHarness(t)
	h.comp.err = context.Canceled
	require.Equal(t, Started, h.send(command.RecomputeCfeCore, nil))

	h.finishWorker(t)

	assert.False(t, h.state.RecomputeInProgress())
	assert.False(t, h.state.Record(CfeCore).ComputedYet())
	assert.Equal(t, events.RecomputeFailedError, h.lastEvent(t).ID)
	h.mustHold(t)
}

func TestCancelOneShot_NotActive(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, NotActive, h.send(command.CancelOneShot, nil))
	assert.Equal(t, uint32(1), h.state.CmdErrCounter())
	assert.Empty(t, h.host.deletes())

	// a recompute is not a one-shot
	require.Equal(t, Started, h.send(command.RecomputeCfeCore, nil))
	assert.Equal(t, NotActive, h.send(command.CancelOneShot, nil))
	assert.Empty(t, h.host.deletes())
	assert.True(t, h.state.RecomputeInProgress())
}

func TestCancelOneShot_DropsLateResult(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, Started, h.send(command.OneShot, oneShotPayload(0x100, 0x10, 0)))

	assert.Equal(t, Cancelled, h.send(command.CancelOneShot, nil))
	assert.Equal(t, []string{"task-1"}, h.host.deletes())
	assert.False(t, h.state.OneShotInProgress())
	assert.Empty(t, h.state.ActiveWorker())
	h.mustHold(t)

	// the cancelled worker finishes anyway; its result must not land
	h.host.runLast(t)
	h.send(command.Noop, nil)
	assert.Zero(t, h.state.LastOneShot().Checksum)
	h.mustHold(t)
}

func TestCancelOneShot_WorkerFinishedFirst(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, Started, h.send(command.OneShot, oneShotPayload(0x100, 0x10, 0)))

	// the worker delivers and exits between the dispatch reap and the delete
	h.host.onDelete = func() { h.host.runLast(t) }
	h.host.deleteErr = statusErr(0xC4000013)

	assert.Equal(t, NotActive, h.send(command.CancelOneShot, nil))
	assert.Equal(t, uint32(0xCAFEF00D), h.state.LastOneShot().Checksum)
	assert.False(t, h.state.WorkerBusy())
	assert.Equal(t, events.CancelNoOneShotError, h.lastEvent(t).ID)
	h.mustHold(t)

	h.host.onDelete = nil
	h.host.deleteErr = nil
	assert.Equal(t, NotActive, h.send(command.ForceReset, nil))
	assert.Equal(t, Started, h.send(command.RecomputeCfeCore, nil))
}

func TestCancelOneShot_DeleteFailureLeavesFlags(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, Started, h.send(command.OneShot, oneShotPayload(0x100, 0x10, 0)))
	h.host.deleteErr = statusErr(0xC4000013)

	assert.Equal(t, CancelFailed, h.send(command.CancelOneShot, nil))
	assert.True(t, h.state.OneShotInProgress())
	assert.Equal(t, "task-1", h.state.ActiveWorker())
	assert.Contains(t, h.lastEvent(t).Message, "0xC4000013")
	assert.Equal(t, uint32(1), h.state.CmdErrCounter())
	h.mustHold(t)

	// still busy until the slot is force-cleared
	assert.Equal(t, Busy, h.send(command.RecomputeCfeCore, nil))
	assert.Equal(t, ForceCleared, h.send(command.ForceReset, nil))
	assert.False(t, h.state.WorkerBusy())
	h.mustHold(t)
	assert.Equal(t, Started, h.send(command.RecomputeCfeCore, nil))
}

func TestForceReset_Policy(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, NotActive, h.send(command.ForceReset, nil))

	require.Equal(t, Started, h.send(command.RecomputeCfeCore, nil))
	assert.Equal(t, Busy, h.send(command.ForceReset, nil), "a fresh healthy worker may not be cleared")
	assert.True(t, h.state.RecomputeInProgress())

	h.clock.Advance(time.Minute)
	assert.Equal(t, ForceCleared, h.send(command.ForceReset, nil))
	assert.False(t, h.state.RecomputeInProgress())
	assert.Contains(t, h.host.deletes(), "task-1")
	h.mustHold(t)

	// a refused delete does not stop the clear
	require.Equal(t, Started, h.send(command.RecomputeOsCore, nil))
	h.host.deleteErr = statusErr(0xC4000013)
	h.clock.Advance(time.Minute)
	assert.Equal(t, ForceCleared, h.send(command.ForceReset, nil))
	assert.False(t, h.state.WorkerBusy())
	h.mustHold(t)
}

func TestForceReset_RateLimited(t *testing.T) {
	h := newHarness(t)

	require.Equal(t, Started, h.send(command.OneShot, oneShotPayload(0, 4, 0)))
	h.host.deleteErr = statusErr(0xC4000013)
	require.Equal(t, CancelFailed, h.send(command.CancelOneShot, nil))
	require.Equal(t, ForceCleared, h.send(command.ForceReset, nil))

	require.Equal(t, Started, h.send(command.OneShot, oneShotPayload(0, 4, 0)))
	require.Equal(t, CancelFailed, h.send(command.CancelOneShot, nil))
	assert.Equal(t, RateLimited, h.send(command.ForceReset, nil))
	assert.True(t, h.state.OneShotInProgress())

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, ForceCleared, h.send(command.ForceReset, nil))
	h.mustHold(t)
}

func TestForceReset_DropsLateResult(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, Started, h.send(command.RecomputeCfeCore, nil))
	h.clock.Advance(2 * time.Minute)
	require.Equal(t, ForceCleared, h.send(command.ForceReset, nil))

	h.host.runLast(t)
	h.send(command.Noop, nil)

	assert.False(t, h.state.Record(CfeCore).ComputedYet())
	h.mustHold(t)
}

func TestLengthError_TouchesNoCounter(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		code    command.Code
		payload []byte
	}{
		{command.Noop, []byte{1}},
		{command.BackgroundTick, []byte{0, 0}},
		{command.OneShot, []byte{1, 2, 3}},
		{command.ReportEeprom, nil},
		{command.EnableEntry, []byte{0, 0, 0, 1}},
	}
	for _, tt := range tests {
		assert.Equal(t, LengthError, h.send(tt.code, tt.payload), tt.code.String())
	}
	assert.Zero(t, h.state.CmdCounter())
	assert.Zero(t, h.state.CmdErrCounter())
	assert.Zero(t, h.host.created())

	e := h.lastEvent(t)
	assert.Equal(t, events.LengthError, e.ID)
	assert.Equal(t, "Invalid msg length: ID = 0x189F, CC = 31, Len = 4, Expected = 8", e.Message)
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, UnknownCommand, h.send(command.Code(99), nil))
	assert.Equal(t, uint32(1), h.state.CmdErrCounter())
	assert.Equal(t, events.UnknownCommandError, h.lastEvent(t).ID)

	out := h.eng.Dispatch(command.Packet{MsgID: 0x1234, Code: command.Noop})
	assert.Equal(t, UnknownCommand, out)
	assert.Equal(t, uint32(1), h.state.CmdErrCounter())
}

func TestNoopAndReset(t *testing.T) {
	h := newHarness(t)
	h.send(command.Noop, nil)
	assert.Equal(t, "No-op command. Version test", h.lastEvent(t).Message)
	h.send(command.CancelOneShot, nil)
	h.state.miscompares[App] = 3
	h.state.passCounter = 4
	h.state.records[CfeCore].Entries[0].Baseline = 5
	h.state.cursor = Cursor{target: Memory}

	h.send(command.ResetCounters, nil)

	snap := h.eng.Snapshot()
	assert.Zero(t, snap.CmdCounter)
	assert.Zero(t, snap.CmdErrCounter)
	assert.Zero(t, snap.PassCounter)
	assert.Zero(t, snap.Targets[App].Miscompares)
	assert.Equal(t, uint32(5), snap.Targets[CfeCore].Baseline)
	assert.Equal(t, Memory, snap.CurrentTarget)
	assert.True(t, snap.Enabled)
}

func TestEntryEnableDisable(t *testing.T) {
	h := newHarness(t)
	args := command.TargetArgs{Target: uint32(Eeprom), EntryID: 1}.Marshal()
	h.state.records[Eeprom].Entries[1].TempChecksum = 0x55

	require.Equal(t, OK, h.send(command.DisableEntry, args))
	assert.False(t, h.state.Record(Eeprom).Entries[1].Enabled)
	assert.Zero(t, h.state.Record(Eeprom).Entries[1].TempChecksum)
	assert.Equal(t, "Checksumming of Eeprom entry 1 is Disabled", h.lastEvent(t).Message)

	require.Equal(t, OK, h.send(command.EnableEntry, args))
	assert.True(t, h.state.Record(Eeprom).Entries[1].Enabled)

	bad := command.TargetArgs{Target: 42, EntryID: 0}.Marshal()
	assert.Equal(t, InvalidEntry, h.send(command.EnableEntry, bad))
	assert.Equal(t, uint32(1), h.state.CmdErrCounter())
}

func TestPreserveStates(t *testing.T) {
	h := newHarness(t, withPreserve())
	h.send(command.DisableAll, nil)
	h.send(command.DisableApp, nil)
	h.send(command.DisableEntry, command.TargetArgs{Target: uint32(Eeprom), EntryID: 0}.Marshal())
	assert.Equal(t, 3, h.store.saves)

	// a fresh engine over the same store comes back with the saved flags
	restored := NewState(testTables())
	eng := NewEngine(restored, Deps{Host: newFakeHost(), Ranges: &fakeRanges{}, Computer: &fakeComputer{}, Clock: h.clock, Store: h.store},
		Config{MaxBytesPerCycle: testBudget, PreserveStates: true})
	require.NoError(t, eng.Restore(context.Background()))

	snap := eng.Snapshot()
	assert.False(t, snap.Enabled)
	assert.False(t, snap.Targets[App].Enabled)
	assert.False(t, snap.Targets[Eeprom].Entries[0].Enabled)
	assert.True(t, snap.Targets[Eeprom].Entries[1].Enabled)
}

func TestPreserveStates_OffByDefault(t *testing.T) {
	h := newHarness(t)
	h.send(command.DisableAll, nil)
	assert.Zero(t, h.store.saves)
}

// TestRandomSequence drives the engine with random commands and worker
// completions and checks the invariants after every step.
func TestRandomSequence(t *testing.T) {
	h := newHarness(t)
	rng := rand.New(rand.NewPCG(1, 2))
	codes := []command.Code{
		command.EnableAll, command.DisableAll, command.BackgroundTick,
		command.RecomputeCfeCore, command.RecomputeOsCore, command.OneShot,
		command.CancelOneShot, command.ForceReset, command.ReportCfeCore,
		command.RecomputeEeprom, command.DisableCfeCore, command.EnableCfeCore,
	}

	for i := range 2000 {
		switch rng.IntN(10) {
		case 0:
			if h.state.WorkerBusy() {
				h.host.runLast(t)
				h.send(command.Noop, nil)
			}
		case 1:
			h.host.deleteErr = nil
			if rng.IntN(3) == 0 {
				h.host.deleteErr = statusErr(0xC4000013)
			}
		case 2:
			h.clock.Advance(time.Duration(rng.IntN(90)) * time.Second)
		default:
			code := codes[rng.IntN(len(codes))]
			var payload []byte
			switch code {
			case command.OneShot:
				payload = oneShotPayload(rng.Uint32()%0x1000, 1+rng.Uint32()%0x100, rng.Uint32()%2*0x80)
			case command.RecomputeEeprom:
				payload = command.EntryArgs{EntryID: rng.Uint32() % 4}.Marshal()
			}
			h.send(code, payload)
		}
		if err := h.eng.CheckInvariants(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		snap := h.eng.Snapshot()
		if snap.RecomputeInProgress && snap.OneShotInProgress {
			t.Fatalf("step %d: both in-progress flags set", i)
		}
	}
	assert.NotZero(t, h.state.CmdCounter())
	assert.False(t, strings.Contains(h.lastEvent(t).Message, "%!"), "malformed event format")
}
