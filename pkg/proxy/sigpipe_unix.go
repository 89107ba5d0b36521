//go:build unix

package proxy

import (
	"os/signal"
	"syscall"
)

// ignoreSIGPIPE makes writes to a closed editor stdout fail with EPIPE
// instead of killing lsptap.
func ignoreSIGPIPE() { signal.Ignore(syscall.SIGPIPE) }
