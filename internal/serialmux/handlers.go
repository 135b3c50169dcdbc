package serialmux

import (
	"context"
	"strings"

	"github.com/havencarlson/CS/internal/checksum"
	"github.com/havencarlson/CS/internal/command"
	"github.com/havencarlson/CS/internal/monitoring"
)

// LineKind classifies an uplink line.
type LineKind int

const (
	LineCommand LineKind = iota
	// LineComment is blank or starts with '#'; fixture scripts use these.
	LineComment
	// LineTelemetry is a JSON downlink line echoed back by a loopback link.
	LineTelemetry
)

func ClassifyLine(line string) LineKind {
	line = strings.TrimSpace(line)
	switch {
	case line == "" || strings.HasPrefix(line, "#"):
		return LineComment
	case strings.HasPrefix(line, "{"):
		return LineTelemetry
	default:
		return LineCommand
	}
}

// Dispatcher executes one decoded command. *checksum.Engine satisfies it.
type Dispatcher interface {
	Dispatch(command.Packet) checksum.Outcome
}

// HandleLine decodes a command line and dispatches it. Lines that are not
// commands are ignored. The outcome is reported by the dispatcher's own
// events, so only decode failures are returned.
func HandleLine(d Dispatcher, line string) error {
	if ClassifyLine(line) != LineCommand {
		return nil
	}
	p, err := command.Decode(line)
	if err != nil {
		return err
	}
	out := d.Dispatch(p)
	monitoring.Debugf("uplink %s -> %s", p, out)
	return nil
}

// Serve feeds every uplink line from link to d until ctx is done or the
// link closes.
func Serve(ctx context.Context, link SerialMuxInterface, d Dispatcher) error {
	id, c := link.Subscribe()
	defer link.Unsubscribe(id)
	for {
		select {
		case line, ok := <-c:
			if !ok {
				return nil
			}
			if err := HandleLine(d, line); err != nil {
				monitoring.Logf("dropping uplink line %q: %v", line, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
