// Package monitoring holds the diagnostic log hooks shared by the checksum
// engine, its workers and the transports.
package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

var debug atomic.Bool

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetDebug toggles Debugf output.
func SetDebug(on bool) {
	debug.Store(on)
}

// Debugf logs through Logf only when debug output is enabled. Background
// cycles and worker chunk progress log here so a flight build stays quiet.
func Debugf(format string, v ...interface{}) {
	if !debug.Load() {
		return
	}
	Logf(format, v...)
}
