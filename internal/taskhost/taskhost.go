// Package taskhost runs the checksum application's child tasks. A Host has a
// fixed number of task slots; creating a task when every slot is taken
// fails immediately rather than queueing.
package taskhost

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/havencarlson/CS/internal/monitoring"
)

// Status codes in the style of the executive services return values.
const (
	StatusOK          uint32 = 0
	StatusHostFull    uint32 = 0xC4000005
	StatusUnknownTask uint32 = 0xC4000013
	StatusTimeout     uint32 = 0xC4000017
	StatusClosed      uint32 = 0xC4000021
)

// DefaultDeleteTimeout bounds how long Delete waits for a task to return.
const DefaultDeleteTimeout = 500 * time.Millisecond

// Error is a host failure carrying its status code.
type Error struct {
	code uint32
	msg  string
}

func (e *Error) Error() string      { return e.msg }
func (e *Error) StatusCode() uint32 { return e.code }

var (
	ErrHostFull    = &Error{code: StatusHostFull, msg: "no free task slot"}
	ErrUnknownTask = &Error{code: StatusUnknownTask, msg: "unknown task id"}
	ErrTimeout     = &Error{code: StatusTimeout, msg: "task did not stop in time"}
	ErrClosed      = &Error{code: StatusClosed, msg: "task host is closed"}
)

// StatusCode extracts the status code carried by err.
func StatusCode(err error) uint32 {
	if err == nil {
		return StatusOK
	}
	var he *Error
	if errors.As(err, &he) {
		return he.code
	}
	return StatusClosed
}

// Host runs tasks on goroutines. A slot is held from Create until the
// task function has returned.
type Host struct {
	// DeleteTimeout bounds the wait in Delete. Set it before the first
	// Delete.
	DeleteTimeout time.Duration

	mu     sync.Mutex
	group  errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	slots  int
	tasks  map[string]task
	closed bool
}

type task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a host with slots concurrent tasks. Every task context is
// derived from ctx.
func New(ctx context.Context, slots int) *Host {
	if slots < 1 {
		slots = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Host{
		DeleteTimeout: DefaultDeleteTimeout,
		ctx:           ctx,
		cancel:        cancel,
		slots:         slots,
		tasks:         make(map[string]task),
	}
}

// Create starts fn on a free slot and returns its task id. fn must return
// once its context is cancelled.
func (h *Host) Create(name string, fn func(ctx context.Context)) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return "", ErrClosed
	}
	if len(h.tasks) >= h.slots {
		return "", ErrHostFull
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(h.ctx)
	t := task{name: name, cancel: cancel, done: make(chan struct{})}
	h.tasks[id] = t
	h.group.Go(func() error {
		defer close(t.done)
		defer h.forget(id)
		defer cancel()
		fn(ctx)
		return nil
	})
	monitoring.Debugf("task %s (%s) created", name, id)
	return id, nil
}

// Delete cancels a running task and waits for it to return, which frees
// its slot. A task still running after DeleteTimeout keeps its slot and
// Delete returns ErrTimeout.
func (h *Host) Delete(id string) error {
	h.mu.Lock()
	t, ok := h.tasks[id]
	h.mu.Unlock()
	if !ok {
		return ErrUnknownTask
	}
	t.cancel()

	timer := time.NewTimer(h.DeleteTimeout)
	defer timer.Stop()
	select {
	case <-t.done:
		monitoring.Debugf("task %s (%s) deleted", t.name, id)
		return nil
	case <-timer.C:
		monitoring.Logf("task %s (%s) ignored cancellation for %v", t.name, id, h.DeleteTimeout)
		return ErrTimeout
	}
}

// Running reports whether id is a live task.
func (h *Host) Running(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.tasks[id]
	return ok
}

func (h *Host) forget(id string) {
	h.mu.Lock()
	delete(h.tasks, id)
	h.mu.Unlock()
}

// Close cancels every task, refuses new ones and waits for running tasks to
// return.
func (h *Host) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	return h.group.Wait()
}
