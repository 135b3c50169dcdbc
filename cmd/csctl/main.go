// Command csctl is the ground-side tool for the checksum monitor. It sends
// commands over the HTTP API, encodes command lines for the serial uplink and
// prints housekeeping.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(nil).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
