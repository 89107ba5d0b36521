package proxy

import "os"

// Windows has no SIGTERM to deliver; killing is the only way to stop a child.
func terminate(p *os.Process) error { return p.Kill() }
