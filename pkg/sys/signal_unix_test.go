//go:build unix

package sys

import (
	"os"
	"syscall"
	"testing"
)

func TestSignalName(t *testing.T) {
	for sig, want := range map[os.Signal]string{
		syscall.SIGINT:  "SIGINT",
		syscall.SIGTERM: "SIGTERM",
		syscall.SIGHUP:  "SIGHUP",
	} {
		if got := SignalName(sig); got != want {
			t.Errorf("SignalName(%v) = %q, want %q", sig, got, want)
		}
	}
}

func TestTerminationSignals(t *testing.T) {
	sigs := TerminationSignals()
	if len(sigs) != 2 || sigs[0] != syscall.SIGINT || sigs[1] != syscall.SIGTERM {
		t.Errorf("TerminationSignals() = %v, want [SIGINT SIGTERM]", sigs)
	}
}

func TestIsATTY_Pipe(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()
	if IsATTY(r.Fd()) {
		t.Errorf("IsATTY(pipe) = true, want false")
	}
}
