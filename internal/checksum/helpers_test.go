package checksum

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/havencarlson/CS/internal/command"
	"github.com/havencarlson/CS/internal/events"
	"github.com/havencarlson/CS/internal/memmap"
	"github.com/havencarlson/CS/internal/monitoring"
	"github.com/havencarlson/CS/internal/timeutil"
)

// fakeHost records task requests and runs a task only when the test asks.
type fakeHost struct {
	mu        sync.Mutex
	createErr error
	deleteErr error
	// onDelete runs at the start of Delete.
	onDelete func()
	next     int
	tasks    map[string]*fakeTask
	order    []string
	deleted  []string
}

type fakeTask struct {
	name   string
	fn     func(ctx context.Context)
	ctx    context.Context
	cancel context.CancelFunc
}

func newFakeHost() *fakeHost {
	return &fakeHost{tasks: make(map[string]*fakeTask)}
}

func (h *fakeHost) Create(name string, fn func(ctx context.Context)) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.createErr != nil {
		return "", h.createErr
	}
	h.next++
	id := fmt.Sprintf("task-%d", h.next)
	ctx, cancel := context.WithCancel(context.Background())
	h.tasks[id] = &fakeTask{name: name, fn: fn, ctx: ctx, cancel: cancel}
	h.order = append(h.order, id)
	return id, nil
}

func (h *fakeHost) Delete(id string) error {
	if h.onDelete != nil {
		h.onDelete()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleted = append(h.deleted, id)
	if h.deleteErr != nil {
		return h.deleteErr
	}
	t, ok := h.tasks[id]
	if !ok {
		return errors.New("unknown task")
	}
	t.cancel()
	return nil
}

func (h *fakeHost) created() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.order)
}

func (h *fakeHost) deletes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.deleted...)
}

// runLast runs the most recently created task to completion on the calling
// goroutine.
func (h *fakeHost) runLast(t *testing.T) {
	t.Helper()
	h.mu.Lock()
	if len(h.order) == 0 {
		h.mu.Unlock()
		t.Fatal("no task was created")
	}
	task := h.tasks[h.order[len(h.order)-1]]
	h.mu.Unlock()
	task.fn(task.ctx)
}

// statusErr is a host error carrying a status code.
type statusErr uint32

func (e statusErr) Error() string      { return fmt.Sprintf("status 0x%08X", uint32(e)) }
func (e statusErr) StatusCode() uint32 { return uint32(e) }

type fakeRanges struct {
	err   error
	calls int
}

func (r *fakeRanges) ValidateRange(addr, size uint32, kind memmap.Kind) error {
	r.calls++
	return r.err
}

// fakeComputer returns value, or err, and remembers the last range.
type fakeComputer struct {
	mu    sync.Mutex
	value uint32
	err   error
	last  Range
}

func (c *fakeComputer) Compute(ctx context.Context, r Range) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = r
	return c.value, c.err
}

func (c *fakeComputer) lastRange() Range {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

type memStore struct {
	saved EnableStates
	ok    bool
	saves int
	err   error
}

func (s *memStore) SaveEnableStates(ctx context.Context, es EnableStates) error {
	s.saves++
	s.saved = es
	s.ok = true
	return s.err
}

func (s *memStore) LoadEnableStates(ctx context.Context) (EnableStates, bool, error) {
	return s.saved, s.ok, s.err
}

const testBudget = 0x40

func testTables() map[Target][]Entry {
	return map[Target][]Entry{
		CfeCore: {{Name: "cfe", Address: 0x1000, Size: 0x100, Enabled: true}},
		OsCore:  {{Name: "os", Address: 0x2000, Size: 0x100, Enabled: true}},
		Eeprom: {
			{Name: "boot", Address: 0x8000, Size: 0x80, Enabled: true},
			{Name: "params", Address: 0x8100, Size: 0x80, Enabled: true},
			{Name: "spare"},
		},
		Memory: {{Name: "ram0", Address: 0x3000, Size: 0x100, Enabled: true}},
		Tables: {{Name: "sched.tbl", Address: 0x4000, Size: 0x40, Enabled: true}},
		App:    {{Name: "sample_app", Address: 0x5000, Size: 0x200, Enabled: true}},
	}
}

type harness struct {
	eng    *Engine
	state  *State
	host   *fakeHost
	ranges *fakeRanges
	comp   *fakeComputer
	rec    *events.Recorder
	clock  *timeutil.MockClock
	store  *memStore
}

type harnessOption func(*Deps, *Config)

func withWorkers(w Workers) harnessOption {
	return func(d *Deps, _ *Config) { d.Workers = w }
}

func withPreserve() harnessOption {
	return func(_ *Deps, c *Config) { c.PreserveStates = true }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(log.Printf) })

	h := &harness{
		state:  NewState(testTables()),
		host:   newFakeHost(),
		ranges: &fakeRanges{},
		comp:   &fakeComputer{value: 0xCAFEF00D},
		rec:    &events.Recorder{},
		clock:  timeutil.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		store:  &memStore{},
	}
	d := Deps{
		Host:     h.host,
		Ranges:   h.ranges,
		Computer: h.comp,
		Sink:     h.rec,
		Clock:    h.clock,
		Store:    h.store,
	}
	cfg := Config{
		MaxBytesPerCycle:   testBudget,
		StaleAfter:         time.Minute,
		ForceResetInterval: 10 * time.Second,
		Version:            "test",
	}
	for _, o := range opts {
		o(&d, &cfg)
	}
	h.eng = NewEngine(h.state, d, cfg)
	return h
}

func (h *harness) send(code command.Code, payload []byte) Outcome {
	return h.eng.Dispatch(command.New(code, payload))
}

// lastEvent returns the most recent event or fails the test.
func (h *harness) lastEvent(t *testing.T) events.Event {
	t.Helper()
	e, ok := h.rec.Last()
	if !ok {
		t.Fatal("no event emitted")
	}
	return e
}

func (h *harness) mustHold(t *testing.T) {
	t.Helper()
	if err := h.eng.CheckInvariants(); err != nil {
		t.Fatalf("invariant violated: %v", err)
	}
}

// finishWorker runs the pending worker and applies its result.
func (h *harness) finishWorker(t *testing.T) {
	t.Helper()
	h.host.runLast(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.eng.Await(ctx); err != nil {
		t.Fatalf("Await() error = %v", err)
	}
}
