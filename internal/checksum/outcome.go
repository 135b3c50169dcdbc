package checksum

import "fmt"

// Outcome is the result of one engine operation. Every failure is handled
// where it is detected, so operations return an Outcome rather than an error.
type Outcome int

const (
	OK Outcome = iota
	Started
	Busy
	SpawnFailed
	InvalidRange
	InvalidEntry
	Cancelled
	NotActive
	CancelFailed
	Reported
	NotYetComputed
	ForceCleared
	RateLimited
	Skipped
	LengthError
	UnknownCommand
)

var outcomeNames = [...]string{
	OK:             "ok",
	Started:        "started",
	Busy:           "busy",
	SpawnFailed:    "spawn_failed",
	InvalidRange:   "invalid_range",
	InvalidEntry:   "invalid_entry",
	Cancelled:      "cancelled",
	NotActive:      "not_active",
	CancelFailed:   "cancel_failed",
	Reported:       "reported",
	NotYetComputed: "not_yet_computed",
	ForceCleared:   "force_cleared",
	RateLimited:    "rate_limited",
	Skipped:        "skipped",
	LengthError:    "length_error",
	UnknownCommand: "unknown_command",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

// MarshalText renders the outcome by name.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Outcome) UnmarshalText(b []byte) error {
	for i, n := range outcomeNames {
		if n == string(b) {
			*o = Outcome(i)
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", string(b))
}

// Failed reports whether the outcome counts against the command error
// counter. LengthError is reported separately and counts against neither.
func (o Outcome) Failed() bool {
	switch o {
	case Busy, SpawnFailed, InvalidRange, InvalidEntry, NotActive, CancelFailed, RateLimited, UnknownCommand:
		return true
	}
	return false
}
