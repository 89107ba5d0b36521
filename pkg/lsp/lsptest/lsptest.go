// Package lsptest runs language servers for tests, as child processes that
// are re-executions of the test binary itself.
//
// A test package that spawns servers calls Main from its TestMain:
//
//	func TestMain(m *testing.M) { lsptest.Main(m) }
//
// and then spawns Binary() with the environment returned by Env.
package lsptest

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"src.lsptap.dev/pkg/env"
	"src.lsptap.dev/pkg/lsp"
)

// Modes of the child process, selected by $LSPTAP_TEST_SERVER.
const (
	// Runs lsp.Serve.
	LSP = "lsp"
	// Runs lsp.ServeFlooding with FloodCount.
	Flood = "flood"
	// Copies stdin to stdout byte for byte.
	Echo = "echo"
	// Writes a few lines to stderr, one of them without a trailing newline,
	// then behaves like Echo.
	Stderr = "stderr"
	// Reads nothing and never exits by itself.
	Hang = "hang"
	// Exits immediately with the status following the colon, as in "exit:3".
	Exit = "exit:"
)

// FloodCount is the number of diagnostics notifications the Flood mode sends
// before answering initialize.
const FloodCount = 100

// StderrLines is what the Stderr mode writes.
var StderrLines = []string{"server starting\n", "log \xff\xfe line\n", "no newline"}

// M is the subset of *testing.M used by Main.
type M interface{ Run() int }

// Main runs the requested server mode and exits if $LSPTAP_TEST_SERVER is
// set. Otherwise it runs the tests.
func Main(m M) {
	if mode := os.Getenv(env.LSPTAP_TEST_SERVER); mode != "" {
		os.Exit(run(mode))
	}
	os.Exit(m.Run())
}

// Binary returns the path of the test binary.
func Binary() string {
	bin, err := os.Executable()
	if err != nil {
		panic(err)
	}
	return bin
}

// Env returns the environment entries that select a server mode.
func Env(mode string) map[string]string {
	return map[string]string{env.LSPTAP_TEST_SERVER: mode}
}

func run(mode string) int {
	switch {
	case mode == LSP:
		err := lsp.Serve(context.Background(), os.Stdin, os.Stdout, os.Stderr)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	case mode == Flood:
		err := lsp.ServeFlooding(context.Background(), os.Stdin, os.Stdout, os.Stderr, FloodCount)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	case mode == Echo:
		io.Copy(os.Stdout, os.Stdin)
		return 0
	case mode == Stderr:
		for _, line := range StderrLines {
			os.Stderr.WriteString(line)
		}
		os.Stderr.Close()
		io.Copy(os.Stdout, os.Stdin)
		return 0
	case mode == Hang:
		for {
			time.Sleep(time.Hour)
		}
	case strings.HasPrefix(mode, Exit):
		code, err := strconv.Atoi(strings.TrimPrefix(mode, Exit))
		if err != nil {
			return 125
		}
		return code
	}
	fmt.Fprintln(os.Stderr, "unknown test server mode", mode)
	return 125
}
