// Package events defines the notifications the checksum engine emits and the
// sinks that carry them to the log, the downlink and the event database.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/havencarlson/CS/internal/monitoring"
)

// Severity of an event.
type Severity int

const (
	Debug Severity = iota
	Info
	Error
)

func (s Severity) String() string {
	switch s {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// MarshalText renders the severity by name so stored events stay readable.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "DEBUG":
		*s = Debug
	case "INFO":
		*s = Info
	case "ERROR":
		*s = Error
	default:
		return fmt.Errorf("unknown severity %q", string(b))
	}
	return nil
}

// ID identifies an event type. Values are stable across releases because
// ground procedures filter on them.
type ID uint16

const (
	NoopInfo ID = iota + 1
	ResetDebug
	LengthError
	UnknownCommandError
	SkipCycleInfo
	PassCompleteDebug

	DisableAllInfo
	EnableAllInfo
	DisableTargetInfo
	EnableTargetInfo
	DisableEntryInfo
	EnableEntryInfo
	InvalidEntryError

	BaselineInfo
	NoBaselineInfo

	RecomputeStartedInfo
	RecomputeBusyError
	RecomputeSpawnError
	RecomputeFinishedInfo
	RecomputeFailedError

	OneShotStartedInfo
	OneShotBusyError
	OneShotRangeError
	OneShotSpawnError
	OneShotFinishedInfo
	OneShotFailedError

	CancelOneShotInfo
	CancelNoOneShotError
	CancelDeleteError

	ForceResetInfo
	ForceResetDeniedError

	MiscompareError
	ReadError
)

// Event is a single notification.
type Event struct {
	ID       ID        `json:"id"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

func (e Event) String() string {
	return fmt.Sprintf("[%s] EID %d: %s", e.Severity, e.ID, e.Message)
}

// Sink receives events. Emit must not block the caller for long: the
// engine calls it from the command goroutine.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Fanout forwards each event to every sink in order.
type Fanout []Sink

func (f Fanout) Emit(e Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(e)
		}
	}
}

// LogSink writes events through monitoring.Logf. Debug events go through
// monitoring.Debugf.
type LogSink struct{}

func (LogSink) Emit(e Event) {
	if e.Severity == Debug {
		monitoring.Debugf("%s", e)
		return
	}
	monitoring.Logf("%s", e)
}

// LineSender is the downlink side of the serial mux.
type LineSender interface {
	Send(line string) error
}

// LineSink encodes events as JSON lines on a LineSender.
type LineSink struct {
	Out LineSender
}

func (s LineSink) Emit(e Event) {
	b, err := json.Marshal(e)
	if err != nil {
		monitoring.Logf("failed to encode event %d: %v", e.ID, err)
		return
	}
	if err := s.Out.Send(string(b)); err != nil {
		monitoring.Logf("failed to downlink event %d: %v", e.ID, err)
	}
}

// Recorder keeps every emitted event in memory. It backs tests and the
// debug event tail.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Last returns the most recent event, or false if none were recorded.
func (r *Recorder) Last() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}, false
	}
	return r.events[len(r.events)-1], true
}

// Len reports the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
