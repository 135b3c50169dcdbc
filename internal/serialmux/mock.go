package serialmux

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
)

var errPortClosed = errors.New("serial port closed")

// MockPort is an in-memory port. Lines passed to Inject are read by the mux
// as if they arrived on the uplink; everything the mux writes is captured.
type MockPort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	// WriteErr, when set, fails every Write.
	WriteErr error
	closed   bool
}

func NewMockPort() *MockPort {
	r, w := io.Pipe()
	return &MockPort{r: r, w: w}
}

func (m *MockPort) Read(p []byte) (int, error) { return m.r.Read(p) }

func (m *MockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errPortClosed
	}
	if m.WriteErr != nil {
		return 0, m.WriteErr
	}
	return m.written.Write(p)
}

func (m *MockPort) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.w.Close()
	return m.r.Close()
}

// Inject delivers line on the uplink. It blocks until the mux reads it.
func (m *MockPort) Inject(line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	_, err := io.WriteString(m.w, line)
	return err
}

// EndInput makes the next read return io.EOF once buffered lines are read.
func (m *MockPort) EndInput() { m.w.Close() }

// Lines returns the downlink lines written so far.
func (m *MockPort) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := strings.TrimSuffix(m.written.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// NewMockSerialMux returns a mux over a MockPort that replays script on the
// uplink, one line per interval, for running without hardware.
func NewMockSerialMux(script []string, interval time.Duration) (*SerialMux[*MockPort], *MockPort) {
	port := NewMockPort()
	go func() {
		for _, line := range script {
			time.Sleep(interval)
			if err := port.Inject(line); err != nil {
				return
			}
		}
	}()
	return NewSerialMux(port), port
}
