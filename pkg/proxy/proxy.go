// Package proxy implements the LSP logging proxy.
//
// The proxy spawns a language server and forwards messages between the editor
// on its own stdin and stdout and the server, recording every message, and
// every line the server writes to stderr, in an audit log. Bytes are never
// changed: what the editor writes is what the server reads, and vice versa.
//
// Three goroutines run independently: editor to server, server to editor, and
// server stderr to the audit log. They share nothing but the audit sink.
package proxy

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"time"

	"github.com/google/uuid"
	"src.lsptap.dev/pkg/audit"
	"src.lsptap.dev/pkg/config"
	"src.lsptap.dev/pkg/logutil"
	"src.lsptap.dev/pkg/prog"
	"src.lsptap.dev/pkg/sys"
)

var logger = logutil.GetLogger("[proxy] ")

// Program is the proxy subprogram. It is the default subprogram and should
// come last in a composite program.
type Program struct {
	server *prog.ServerFlags
	audit  string
	// Used in tests.
	serveOpts ServeOpts
}

func (p *Program) RegisterFlags(fs *prog.FlagSet) {
	p.server = fs.ServerFlags()
	fs.StringVar(&p.audit, "audit", "",
		"Path to the audit log; defaults to $TMPDIR/lsptap.log")
}

func (p *Program) Run(fds [3]*os.File, args []string) error {
	cfg, err := config.Resolve(config.Overrides{
		ConfigPath: p.server.Config,
		Server:     p.server.Path,
		Audit:      p.audit,
		Args:       args,
	})
	if err != nil {
		return err
	}
	if sys.IsATTY(fds[0].Fd()) {
		logger.Println("stdin is a terminal; lsptap expects an editor speaking LSP on stdin")
	}
	return prog.Exit(Serve(cfg, fds, p.serveOpts))
}

// State is a state of the lifecycle of a session.
type State int

// Possible values of State, in the order they are entered.
const (
	Starting State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Overridden in tests.
var notify = signal.Notify

// DefaultDrainTimeout is used when ServeOpts.DrainTimeout is zero.
const DefaultDrainTimeout = time.Second

// ServeOpts keeps options that can be passed to Serve.
type ServeOpts struct {
	// If not nil, will be closed when the forwarding loops are running.
	Ready chan<- struct{}
	// Causes the session to stop if any signal is received. If nil, Serve
	// will set up its own signal channel by listening to SIGINT and SIGTERM.
	Signals <-chan os.Signal
	// If not nil, called on the controller goroutine on every state change.
	OnState func(State)
	// How long to wait for the server's remaining output after it exits, and
	// for it to exit after being terminated.
	DrainTimeout time.Duration
}

// Serve runs one session: it spawns the server named by cfg, forwards
// traffic between fds and the server until the server exits or a termination
// signal arrives, and returns the exit status for lsptap.
//
// The exit status is the server's if it exited by itself, 0 if the session
// was ended by a signal, and 2 if the session could not be started.
func Serve(cfg *config.Config, fds [3]*os.File, opts ServeOpts) int {
	setState := func(s State) {
		logger.Println("state:", s)
		if opts.OnState != nil {
			opts.OnState(s)
		}
	}
	drainTimeout := opts.DrainTimeout
	if drainTimeout == 0 {
		drainTimeout = DefaultDrainTimeout
	}

	setState(Starting)
	ignoreSIGPIPE()
	sigCh := opts.Signals
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		notify(ch, sys.TerminationSignals()...)
		defer signal.Stop(ch)
		sigCh = ch
	}

	sink, err := audit.Open(cfg.Audit)
	if err != nil {
		fmt.Fprintln(fds[2], "lsptap:", err)
		setState(Stopping)
		setState(Stopped)
		return 2
	}
	defer sink.Close()

	id := uuid.NewString()
	logger.Println("session", id)
	sink.Banner(cfg.Server, id)
	s, err := Start(cfg, sink)
	if err != nil {
		logger.Println("failed to start server:", err)
		sink.Recordf(audit.Error, "failed to start LSP: %v", err)
		setState(Stopping)
		sink.Recordf(audit.Info, "LSP process exited")
		setState(Stopped)
		return 2
	}
	defer s.Close()

	// The editor loop is not waited for; it may stay blocked on the editor.
	go s.forwardEditor(fds[0])
	var drained sync.WaitGroup
	drained.Add(2)
	go func() {
		defer drained.Done()
		s.forwardServer(fds[1])
	}()
	go func() {
		defer drained.Done()
		s.recordStderr()
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- s.Wait() }()

	setState(Running)
	if opts.Ready != nil {
		close(opts.Ready)
	}

	var exit int
	select {
	case sig := <-sigCh:
		setState(Stopping)
		sink.Recordf(audit.Signal, "Received signal %s, terminating LSP", sys.SignalName(sig))
		if err := s.Terminate(); err != nil {
			logger.Println("failed to terminate server:", err)
		}
		// Reap the child, killing it if it ignores termination.
		select {
		case <-waitCh:
		case <-time.After(drainTimeout):
			logger.Println("server ignored termination, killing it")
			s.Kill()
			<-waitCh
		}
		sink.Recordf(audit.Info, "LSP process exited")
	case err := <-waitCh:
		setState(Stopping)
		var exitErr *exec.ExitError
		if err == nil || errors.As(err, &exitErr) {
			waitTimeout(&drained, drainTimeout)
			exit = exitCode(s.cmd.ProcessState)
			sink.Recordf(audit.Info, "LSP process exited: %v", s.cmd.ProcessState)
		} else {
			// Waiting failed without telling us how the child fared.
			sink.Recordf(audit.Error, "wait for LSP failed: %v", err)
			s.Terminate()
			sink.Recordf(audit.Info, "LSP process exited")
			exit = 2
		}
	}
	setState(Stopped)
	return exit
}

func exitCode(ps *os.ProcessState) int {
	if code := ps.ExitCode(); code >= 0 {
		return code
	}
	// Killed by a signal.
	return 1
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		logger.Println("server output not drained after", d)
	}
}
