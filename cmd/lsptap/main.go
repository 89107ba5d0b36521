// Lsptap sits between an editor and a language server speaking LSP over
// stdio. It forwards every message unchanged in both directions and records
// the traffic, along with everything the server writes to stderr, in an audit
// log.
//
// With -probe, it instead drives the server through a fixed request sequence
// and reports whether the server responded as expected.
package main

import (
	"os"

	"src.lsptap.dev/pkg/buildinfo"
	"src.lsptap.dev/pkg/probe"
	"src.lsptap.dev/pkg/prog"
	"src.lsptap.dev/pkg/proxy"
)

func main() {
	os.Exit(prog.Run(
		[3]*os.File{os.Stdin, os.Stdout, os.Stderr}, os.Args,
		prog.Composite(&buildinfo.Program{}, &probe.Program{}, &proxy.Program{})))
}
