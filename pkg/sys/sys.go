// Package sys provide system utilities with the same API across OSes.
package sys

import (
	"os"

	"github.com/mattn/go-isatty"
)

// IsATTY determines whether the given file is a terminal.
func IsATTY(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// SignalName returns the conventional name of a signal, such as "SIGTERM".
func SignalName(sig os.Signal) string { return signalName(sig) }

// TerminationSignals returns the signals that end an lsptap session.
func TerminationSignals() []os.Signal { return terminationSignals() }
