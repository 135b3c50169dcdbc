package checksum

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/havencarlson/CS/internal/command"
	"github.com/havencarlson/CS/internal/events"
	"github.com/havencarlson/CS/internal/monitoring"
	"github.com/havencarlson/CS/internal/timeutil"
)

// Config holds the engine settings resolved from the application config.
type Config struct {
	MaxBytesPerCycle   uint32
	StaleAfter         time.Duration
	ForceResetInterval time.Duration
	PreserveStates     bool
	Version            string
}

// Deps are the engine's collaborators.
type Deps struct {
	Host     TaskHost
	Ranges   RangeValidator
	Computer Computer
	Workers  Workers
	Sink     events.Sink
	Clock    timeutil.Clock
	// Store is optional; without it enable flags are not preserved.
	Store StateStore
}

// Engine is the command goroutine. It owns the State and serialises every
// command, tick and worker completion behind one mutex.
type Engine struct {
	mu    sync.Mutex
	state *State
	arb   *Arbitrator
	sched *Scheduler
	emitter

	store   StateStore
	cfg     Config
	running bool

	lastTickAt time.Time
	tickCount  int64
}

// NewEngine wires an engine over state.
func NewEngine(state *State, d Deps, cfg Config) *Engine {
	if d.Clock == nil {
		d.Clock = timeutil.RealClock{}
	}
	e := &Engine{
		state: state,
		arb: NewArbitrator(state, d.Host, d.Ranges, d.Computer, d.Sink, d.Clock, ArbitratorConfig{
			MaxBytesPerCycle:   cfg.MaxBytesPerCycle,
			StaleAfter:         cfg.StaleAfter,
			ForceResetInterval: cfg.ForceResetInterval,
		}),
		sched:   NewScheduler(state, d.Workers, cfg.MaxBytesPerCycle, d.Sink, d.Clock),
		emitter: emitter{sink: d.Sink, clock: d.Clock},
		store:   d.Store,
		cfg:     cfg,
	}
	if cfg.PreserveStates && d.Store != nil {
		e.arb.onEnableChange = e.saveStates
	}
	return e
}

// Restore loads preserved enable flags. It is a no-op unless state
// preservation is configured.
func (e *Engine) Restore(ctx context.Context) error {
	if !e.cfg.PreserveStates || e.store == nil {
		return nil
	}
	es, ok, err := e.store.LoadEnableStates(ctx)
	if err != nil {
		return fmt.Errorf("load enable states: %w", err)
	}
	if !ok {
		return nil
	}
	e.mu.Lock()
	e.state.ApplyEnableStates(es)
	e.mu.Unlock()
	monitoring.Logf("Restored preserved enable states: enabled=%t", es.Enabled)
	return nil
}

func (e *Engine) saveStates() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.store.SaveEnableStates(ctx, e.state.EnableStates()); err != nil {
		monitoring.Logf("failed to preserve enable states: %v", err)
	}
}

var targetByCode = map[command.Code]Target{
	command.EnableCfeCore: CfeCore, command.DisableCfeCore: CfeCore,
	command.ReportCfeCore: CfeCore, command.RecomputeCfeCore: CfeCore,
	command.EnableOsCore: OsCore, command.DisableOsCore: OsCore,
	command.ReportOsCore: OsCore, command.RecomputeOsCore: OsCore,
	command.EnableEeprom: Eeprom, command.DisableEeprom: Eeprom,
	command.ReportEeprom: Eeprom, command.RecomputeEeprom: Eeprom,
	command.EnableMemory: Memory, command.DisableMemory: Memory,
	command.ReportMemory: Memory, command.RecomputeMemory: Memory,
	command.EnableTables: Tables, command.DisableTables: Tables,
	command.ReportTables: Tables, command.RecomputeTables: Tables,
	command.EnableApp: App, command.DisableApp: App,
	command.ReportApp: App, command.RecomputeApp: App,
}

// Dispatch validates and executes one command packet. Completions delivered
// by the worker since the last dispatch are applied first.
func (e *Engine) Dispatch(p command.Packet) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.arb.Reap()
	out := e.dispatch(p)
	commandsTotal.WithLabelValues(p.Code.String(), out.String()).Inc()
	return out
}

// lengthError reports a malformed payload. It touches no counter.
func (e *Engine) lengthError(err error) Outcome {
	e.emit(events.LengthError, events.Error, "%v", err)
	return LengthError
}

func (e *Engine) dispatch(p command.Packet) Outcome {
	if p.MsgID != command.CmdMID {
		e.emit(events.UnknownCommandError, events.Error, "Invalid command pipe message ID: 0x%04X", uint16(p.MsgID))
		return UnknownCommand
	}
	expected, known := command.ExpectedSize(p.Code)
	if !known {
		e.state.cmdErrCounter++
		e.emit(events.UnknownCommandError, events.Error,
			"Invalid ground command code: ID = 0x%04X, CC = %d", uint16(p.MsgID), uint8(p.Code))
		return UnknownCommand
	}
	if err := command.Validate(p, expected); err != nil {
		return e.lengthError(err)
	}

	a := e.arb
	switch p.Code {
	case command.Noop:
		e.state.cmdCounter++
		e.emit(events.NoopInfo, events.Info, "No-op command. Version %s", e.cfg.Version)
		return OK
	case command.ResetCounters:
		e.state.ResetCounters()
		e.emit(events.ResetDebug, events.Debug, "Reset Counters command received")
		return OK
	case command.BackgroundTick:
		e.lastTickAt = e.clock.Now()
		e.tickCount++
		return e.sched.RunCycle()
	case command.EnableAll:
		return a.EnableAll()
	case command.DisableAll:
		return a.DisableAll()
	case command.EnableCfeCore, command.EnableOsCore, command.EnableEeprom,
		command.EnableMemory, command.EnableTables, command.EnableApp:
		return a.EnableTarget(targetByCode[p.Code])
	case command.DisableCfeCore, command.DisableOsCore, command.DisableEeprom,
		command.DisableMemory, command.DisableTables, command.DisableApp:
		return a.DisableTarget(targetByCode[p.Code])
	case command.ReportCfeCore, command.ReportOsCore:
		out, _ := a.ReportBaseline(targetByCode[p.Code], 0)
		return out
	case command.RecomputeCfeCore, command.RecomputeOsCore:
		return a.RequestRecompute(targetByCode[p.Code], 0)
	case command.ReportEeprom, command.ReportMemory, command.ReportTables, command.ReportApp:
		args, err := command.DecodeEntry(p.Payload)
		if err != nil {
			return e.lengthError(err)
		}
		out, _ := a.ReportBaseline(targetByCode[p.Code], entryIndex(args.EntryID))
		return out
	case command.RecomputeEeprom, command.RecomputeMemory, command.RecomputeTables, command.RecomputeApp:
		args, err := command.DecodeEntry(p.Payload)
		if err != nil {
			return e.lengthError(err)
		}
		return a.RequestRecompute(targetByCode[p.Code], entryIndex(args.EntryID))
	case command.EnableEntry, command.DisableEntry:
		args, err := command.DecodeTarget(p.Payload)
		if err != nil {
			return e.lengthError(err)
		}
		t := Target(NumTargets)
		if args.Target < NumTargets {
			t = Target(args.Target)
		}
		if p.Code == command.EnableEntry {
			return a.EnableEntry(t, entryIndex(args.EntryID))
		}
		return a.DisableEntry(t, entryIndex(args.EntryID))
	case command.OneShot:
		args, err := command.DecodeOneShot(p.Payload)
		if err != nil {
			return e.lengthError(err)
		}
		return a.RequestOneShot(args.Address, args.Size, args.MaxBytesPerCycle)
	case command.CancelOneShot:
		return a.CancelOneShot()
	case command.ForceReset:
		return a.ForceReset()
	}
	// ExpectedSize knows a code that has no handler.
	e.state.cmdErrCounter++
	e.emit(events.UnknownCommandError, events.Error, "Unhandled command code %d", uint8(p.Code))
	return UnknownCommand
}

// entryIndex maps a wire entry id to a slice index; ids that do not fit are
// mapped to -1 so the lookup rejects them.
func entryIndex(id uint32) int {
	if id > 1<<20 {
		return -1
	}
	return int(id)
}

// Tick dispatches one background-tick pseudo-command.
func (e *Engine) Tick() Outcome {
	return e.Dispatch(command.New(command.BackgroundTick, nil))
}

// Await blocks until the running worker delivers its result and applies it.
func (e *Engine) Await(ctx context.Context) error {
	c, err := e.arb.next(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.arb.complete(c)
	return nil
}

// Snapshot returns the telemetry read model.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Snapshot()
}

// CheckInvariants verifies the state invariants under the engine lock.
func (e *Engine) CheckInvariants() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.CheckInvariants()
}

// CycleStats summarises recent background cycle durations.
func (e *Engine) CycleStats() CycleStats { return e.sched.CycleStats() }

// Status describes the engine loop for health checks.
type Status struct {
	Running    bool       `json:"running"`
	LastTickAt time.Time  `json:"last_tick_at"`
	TickCount  int64      `json:"tick_count"`
	Cycles     CycleStats `json:"cycles"`
}

// Status returns the loop status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Running:    e.running,
		LastTickAt: e.lastTickAt,
		TickCount:  e.tickCount,
		Cycles:     e.sched.CycleStats(),
	}
}

// Healthy reports whether the loop is running and has ticked within
// window.
func (e *Engine) Healthy(window time.Duration) bool {
	s := e.Status()
	if !s.Running {
		return false
	}
	return s.LastTickAt.IsZero() || e.clock.Since(s.LastTickAt) <= window
}

var ErrInvalidInterval = errors.New("tick interval must be positive")

// Run dispatches a background tick every interval and applies worker
// completions as they arrive. It returns when ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()
	monitoring.Logf("Checksum engine loop started: interval=%s budget=%d", interval, e.cfg.MaxBytesPerCycle)

	for {
		select {
		case <-ticker.C():
			e.Tick()
		case c := <-e.arb.done:
			e.mu.Lock()
			e.arb.complete(c)
			e.mu.Unlock()
		case <-ctx.Done():
			monitoring.Logf("Checksum engine loop terminated")
			return ctx.Err()
		}
	}
}
