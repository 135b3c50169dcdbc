package checksum

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/havencarlson/CS/internal/events"
	"github.com/havencarlson/CS/internal/memmap"
	"github.com/havencarlson/CS/internal/monitoring"
	"github.com/havencarlson/CS/internal/timeutil"
)

type workKind int

const (
	recomputeWork workKind = iota
	oneShotWork
)

func (k workKind) String() string {
	if k == oneShotWork {
		return "oneshot"
	}
	return "recompute"
}

// completion is the single message a worker sends back. seq identifies the
// spawn it belongs to so results of cancelled workers can be dropped.
type completion struct {
	seq   uint64
	kind  workKind
	value uint32
	err   error
}

type emitter struct {
	sink  events.Sink
	clock timeutil.Clock
}

func (e emitter) emit(id events.ID, sev events.Severity, format string, args ...any) {
	if e.sink == nil {
		return
	}
	e.sink.Emit(events.Event{
		ID:       id,
		Severity: sev,
		Message:  fmt.Sprintf(format, args...),
		Time:     e.clock.Now(),
	})
}

// statusCode extracts a host status code from err, or 0xFFFFFFFF when err
// carries none.
func statusCode(err error) uint32 {
	var sc interface{ StatusCode() uint32 }
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0xFFFFFFFF
}

func entryLabel(t Target, entry int) string {
	if t.Tabled() {
		return fmt.Sprintf("%s entry %d", t, entry)
	}
	return t.String()
}

// ArbitratorConfig holds the arbitrator's policy knobs.
type ArbitratorConfig struct {
	// MaxBytesPerCycle is the default worker budget.
	MaxBytesPerCycle uint32
	// StaleAfter is how long a worker must run before ForceReset may clear it
	// without a prior failed cancel.
	StaleAfter time.Duration
	// ForceResetInterval is the minimum spacing of ForceReset clears.
	ForceResetInterval time.Duration
}

// Arbitrator enforces the single-worker rule for recompute and one-shot
// requests and applies worker results. All methods except the completion
// channel send run on the command goroutine.
type Arbitrator struct {
	state   *State
	host    TaskHost
	ranges  RangeValidator
	compute Computer
	emitter

	cfg     ArbitratorConfig
	limiter *rate.Limiter

	done         chan completion
	seq          uint64
	startedAt    time.Time
	cancelFailed bool

	// onEnableChange runs after every enable flag change.
	onEnableChange func()
}

// NewArbitrator builds an arbitrator over state.
func NewArbitrator(state *State, host TaskHost, ranges RangeValidator, compute Computer, sink events.Sink, clock timeutil.Clock, cfg ArbitratorConfig) *Arbitrator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.ForceResetInterval <= 0 {
		cfg.ForceResetInterval = time.Minute
	}
	return &Arbitrator{
		state:   state,
		host:    host,
		ranges:  ranges,
		compute: compute,
		emitter: emitter{sink: sink, clock: clock},
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.ForceResetInterval), 1),
		done:    make(chan completion, 1),
	}
}

func (a *Arbitrator) enableChanged() {
	if a.onEnableChange != nil {
		a.onEnableChange()
	}
}

// EnableAll turns background checking on.
func (a *Arbitrator) EnableAll() Outcome {
	a.state.enabled = true
	a.state.cmdCounter++
	a.emit(events.EnableAllInfo, events.Info, "Background Checksumming Enabled")
	a.enableChanged()
	return OK
}

// DisableAll turns background checking off and discards every target's
// partial accumulation. Baselines are kept.
func (a *Arbitrator) DisableAll() Outcome {
	a.state.enabled = false
	for _, t := range Targets {
		a.state.records[t].ZeroTemp()
	}
	a.state.cmdCounter++
	a.emit(events.DisableAllInfo, events.Info, "Background Checksumming Disabled")
	a.enableChanged()
	return OK
}

// EnableTarget turns checking of one target on.
func (a *Arbitrator) EnableTarget(t Target) Outcome {
	a.state.records[t].Enabled = true
	a.state.cmdCounter++
	a.emit(events.EnableTargetInfo, events.Info, "Checksumming of %s is Enabled", t)
	a.enableChanged()
	return OK
}

// DisableTarget turns checking of one target off and discards its partial
// accumulation.
func (a *Arbitrator) DisableTarget(t Target) Outcome {
	rec := a.state.records[t]
	rec.Enabled = false
	rec.ZeroTemp()
	a.state.cmdCounter++
	a.emit(events.DisableTargetInfo, events.Info, "Checksumming of %s is Disabled", t)
	a.enableChanged()
	return OK
}

// lookup resolves a usable entry of t. It counts and reports the failure
// itself.
func (a *Arbitrator) lookup(t Target, id int, op string) (*Entry, bool) {
	if t.Valid() {
		if e, ok := a.state.records[t].Entry(id); ok && !e.Empty() {
			return e, true
		}
	}
	a.state.cmdErrCounter++
	a.emit(events.InvalidEntryError, events.Error, "%s failed: %s entry %d is invalid or empty", op, t, id)
	return nil, false
}

// EnableEntry turns checking of one entry on.
func (a *Arbitrator) EnableEntry(t Target, id int) Outcome {
	e, ok := a.lookup(t, id, "Enable entry")
	if !ok {
		return InvalidEntry
	}
	e.Enabled = true
	a.state.cmdCounter++
	a.emit(events.EnableEntryInfo, events.Info, "Checksumming of %s is Enabled", entryLabel(t, id))
	a.enableChanged()
	return OK
}

// DisableEntry turns checking of one entry off and discards its partial
// accumulation.
func (a *Arbitrator) DisableEntry(t Target, id int) Outcome {
	e, ok := a.lookup(t, id, "Disable entry")
	if !ok {
		return InvalidEntry
	}
	e.Enabled = false
	e.ZeroTemp()
	a.state.cmdCounter++
	a.emit(events.DisableEntryInfo, events.Info, "Checksumming of %s is Disabled", entryLabel(t, id))
	a.enableChanged()
	return OK
}

// ReportBaseline reports the stored baseline of an entry. It changes nothing
// but the command counter.
func (a *Arbitrator) ReportBaseline(t Target, id int) (Outcome, uint32) {
	e, ok := a.lookup(t, id, "Report baseline")
	if !ok {
		return InvalidEntry, 0
	}
	a.state.cmdCounter++
	if !e.ComputedYet {
		a.emit(events.NoBaselineInfo, events.Info, "Baseline of %s has not been computed yet", entryLabel(t, id))
		return NotYetComputed, 0
	}
	a.emit(events.BaselineInfo, events.Info, "Baseline of %s is 0x%08X", entryLabel(t, id), e.Baseline)
	return Reported, e.Baseline
}

// RequestRecompute starts a worker that recomputes the baseline of one
// entry. The new baseline is written when the completion is reaped.
func (a *Arbitrator) RequestRecompute(t Target, id int) Outcome {
	e, ok := a.lookup(t, id, "Recompute baseline")
	if !ok {
		return InvalidEntry
	}
	st := a.state
	label := entryLabel(t, id)
	if st.WorkerBusy() {
		st.cmdErrCounter++
		a.emit(events.RecomputeBusyError, events.Error, "Recompute %s failed: child task in use", label)
		return Busy
	}

	st.recomputeInProgress = true
	st.childTarget = t
	st.childEntry = id
	r := Range{Address: e.Address, Size: e.Size, MaxBytesPerCycle: a.cfg.MaxBytesPerCycle}
	if err := a.spawn("recompute-"+t.String(), recomputeWork, r); err != nil {
		st.recomputeInProgress = false
		st.cmdErrCounter++
		a.emit(events.RecomputeSpawnError, events.Error,
			"Recompute %s failed, task create returned: 0x%08X", label, statusCode(err))
		return SpawnFailed
	}
	st.cmdCounter++
	a.emit(events.RecomputeStartedInfo, events.Info, "Recompute of %s started", label)
	return Started
}

// RequestOneShot starts a worker that checksums an arbitrary range. A zero
// maxBytesPerCycle selects the configured default budget.
func (a *Arbitrator) RequestOneShot(addr, size, maxBytesPerCycle uint32) Outcome {
	st := a.state
	if err := a.ranges.ValidateRange(addr, size, memmap.Any); err != nil {
		st.cmdErrCounter++
		a.emit(events.OneShotRangeError, events.Error,
			"OneShot checksum failed, range check returned: 0x%08X", statusCode(err))
		return InvalidRange
	}
	if st.WorkerBusy() {
		st.cmdErrCounter++
		a.emit(events.OneShotBusyError, events.Error, "OneShot checksum failed: child task in use")
		return Busy
	}

	budget := maxBytesPerCycle
	if budget == 0 {
		budget = a.cfg.MaxBytesPerCycle
	}
	st.recomputeInProgress = false
	st.oneShotInProgress = true
	st.lastOneShot = OneShotRequest{Address: addr, Size: size, MaxBytesPerCycle: budget}

	r := Range{Address: addr, Size: size, MaxBytesPerCycle: budget}
	if err := a.spawn("oneshot", oneShotWork, r); err != nil {
		st.recomputeInProgress = false
		st.oneShotInProgress = false
		st.cmdErrCounter++
		a.emit(events.OneShotSpawnError, events.Error,
			"OneShot checksum failed, task create returned: 0x%08X", statusCode(err))
		return SpawnFailed
	}
	st.cmdCounter++
	a.emit(events.OneShotStartedInfo, events.Info,
		"OneShot checksum started on address: 0x%08X, size: %d", addr, size)
	return Started
}

// CancelOneShot deletes a running one-shot worker. If the host refuses the
// delete, both in-progress flags stay set and ForceReset becomes eligible.
func (a *Arbitrator) CancelOneShot() Outcome {
	st := a.state
	if !st.oneShotInProgress || st.recomputeInProgress {
		st.cmdErrCounter++
		a.emit(events.CancelNoOneShotError, events.Error, "Cancel OneShot checksum failed. No OneShot active")
		return NotActive
	}
	if err := a.host.Delete(st.activeWorker); err != nil {
		// The worker may have delivered its result and exited since the
		// last reap.
		if a.Reap() > 0 && !st.WorkerBusy() {
			return a.CancelOneShot()
		}
		a.cancelFailed = true
		st.cmdErrCounter++
		a.emit(events.CancelDeleteError, events.Error,
			"Cancel OneShot checksum failed, task delete returned: 0x%08X", statusCode(err))
		return CancelFailed
	}
	a.release()
	st.cmdCounter++
	workersTotal.WithLabelValues(oneShotWork.String(), "cancelled").Inc()
	a.emit(events.CancelOneShotInfo, events.Info, "OneShot checksum calculation has been cancelled")
	return Cancelled
}

// ForceReset clears the worker slot when the worker's real status is
// unknown: after a failed cancel, or once the worker has outlived
// StaleAfter. Clears are rate limited.
func (a *Arbitrator) ForceReset() Outcome {
	st := a.state
	if !st.WorkerBusy() {
		st.cmdErrCounter++
		a.emit(events.ForceResetDeniedError, events.Error, "Force reset failed: no worker active")
		return NotActive
	}
	now := a.clock.Now()
	stale := a.cfg.StaleAfter > 0 && now.Sub(a.startedAt) >= a.cfg.StaleAfter
	if !a.cancelFailed && !stale {
		st.cmdErrCounter++
		a.emit(events.ForceResetDeniedError, events.Error,
			"Force reset failed: worker %s is still healthy", st.activeWorker)
		return Busy
	}
	if !a.limiter.AllowN(now, 1) {
		st.cmdErrCounter++
		a.emit(events.ForceResetDeniedError, events.Error, "Force reset failed: rate limited")
		return RateLimited
	}

	id := st.activeWorker
	kind := recomputeWork
	if st.oneShotInProgress {
		kind = oneShotWork
	}
	if err := a.host.Delete(id); err != nil {
		monitoring.Debugf("force reset: delete of worker %s returned %v", id, err)
	}
	a.release()
	st.cmdCounter++
	workersTotal.WithLabelValues(kind.String(), "force_cleared").Inc()
	a.emit(events.ForceResetInfo, events.Info, "Worker %s force-cleared", id)
	return ForceCleared
}

// spawn creates the worker. The caller has already set the in-progress flag.
func (a *Arbitrator) spawn(name string, kind workKind, r Range) error {
	a.seq++
	seq := a.seq
	done := a.done
	compute := a.compute
	id, err := a.host.Create(name, func(ctx context.Context) {
		v, err := compute.Compute(ctx, r)
		select {
		case done <- completion{seq: seq, kind: kind, value: v, err: err}:
		case <-ctx.Done():
		}
	})
	if err != nil {
		workersTotal.WithLabelValues(kind.String(), "spawn_failed").Inc()
		return err
	}
	a.state.activeWorker = id
	a.startedAt = a.clock.Now()
	a.cancelFailed = false
	workerBusy.Set(1)
	workersTotal.WithLabelValues(kind.String(), "started").Inc()
	return nil
}

func (a *Arbitrator) release() {
	a.state.activeWorker = ""
	a.state.recomputeInProgress = false
	a.state.oneShotInProgress = false
	a.cancelFailed = false
	workerBusy.Set(0)
}

// Reap applies every completion already delivered. It never blocks.
func (a *Arbitrator) Reap() int {
	n := 0
	for {
		select {
		case c := <-a.done:
			a.complete(c)
			n++
		default:
			return n
		}
	}
}

// next blocks until a worker delivers a completion.
func (a *Arbitrator) next(ctx context.Context) (completion, error) {
	select {
	case c := <-a.done:
		return c, nil
	case <-ctx.Done():
		return completion{}, ctx.Err()
	}
}

func (a *Arbitrator) complete(c completion) {
	st := a.state
	if c.seq != a.seq || !st.WorkerBusy() {
		workersTotal.WithLabelValues(c.kind.String(), "stale").Inc()
		monitoring.Debugf("dropping stale %s result from worker generation %d", c.kind, c.seq)
		return
	}

	switch c.kind {
	case recomputeWork:
		label := entryLabel(st.childTarget, st.childEntry)
		if c.err != nil {
			workersTotal.WithLabelValues(c.kind.String(), "failed").Inc()
			a.emit(events.RecomputeFailedError, events.Error, "Recompute of %s failed: %v", label, c.err)
			break
		}
		if e, ok := st.records[st.childTarget].Entry(st.childEntry); ok {
			e.Baseline = c.value
			e.ComputedYet = true
			e.ZeroTemp()
		}
		workersTotal.WithLabelValues(c.kind.String(), "finished").Inc()
		a.emit(events.RecomputeFinishedInfo, events.Info,
			"%s recompute finished. New baseline is 0x%08X", label, c.value)
	case oneShotWork:
		if c.err != nil {
			workersTotal.WithLabelValues(c.kind.String(), "failed").Inc()
			a.emit(events.OneShotFailedError, events.Error, "OneShot checksum failed: %v", c.err)
			break
		}
		st.lastOneShot.Checksum = c.value
		workersTotal.WithLabelValues(c.kind.String(), "finished").Inc()
		a.emit(events.OneShotFinishedInfo, events.Info,
			"OneShot checksum on Address: 0x%08X, size %d completed. Checksum = 0x%08X",
			st.lastOneShot.Address, st.lastOneShot.Size, c.value)
	}
	a.release()
}
