package proxy

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"src.lsptap.dev/pkg/audit"
	"src.lsptap.dev/pkg/config"
)

// Direction is the direction a message travels in.
type Direction int

// Possible values of Direction.
const (
	EditorToServer Direction = iota
	ServerToEditor
)

func (d Direction) String() string {
	switch d {
	case EditorToServer:
		return "EDITOR -> SERVER"
	case ServerToEditor:
		return "SERVER -> EDITOR"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Label returns the audit label of messages traveling in d.
func (d Direction) Label() audit.Label { return audit.Label(d.String()) }

// Session is one proxied run of a language server. It owns the child process
// and the parent ends of the child's three pipes.
type Session struct {
	cmd  *exec.Cmd
	sink *audit.Sink

	// Parent ends of the child's stdin, stdout and stderr.
	stdin  *os.File
	stdout *os.File
	stderr *os.File
}

// Start spawns the server named by cfg with its standard streams connected to
// pipes. The returned Session records traffic into sink.
func Start(cfg *config.Config, sink *audit.Sink) (*Session, error) {
	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}
	pipe := func() (r, w *os.File, err error) {
		r, w, err = os.Pipe()
		if err == nil {
			files = append(files, r, w)
		}
		return r, w, err
	}

	inR, inW, err := pipe()
	if err != nil {
		return nil, err
	}
	outR, outW, err := pipe()
	if err != nil {
		closeAll()
		return nil, err
	}
	errR, errW, err := pipe()
	if err != nil {
		closeAll()
		return nil, err
	}

	cmd := exec.Command(cfg.Server, cfg.Args...)
	cmd.Env = cfg.Environ()
	// Passing *os.File values makes the child inherit them directly, without
	// copying goroutines; Wait then leaves our ends of the pipes alone.
	cmd.Stdin, cmd.Stdout, cmd.Stderr = inR, outW, errW
	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, err
	}
	// The child has its own copies now. Closing ours lets the reading loops
	// see end-of-stream when the child exits.
	inR.Close()
	outW.Close()
	errW.Close()

	logger.Printf("started %s, pid %d", cfg.Server, cmd.Process.Pid)
	return &Session{cmd: cmd, sink: sink, stdin: inW, stdout: outR, stderr: errR}, nil
}

// Terminate asks the child to exit. It is not an error if the child has
// already exited.
func (s *Session) Terminate() error {
	err := terminate(s.cmd.Process)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Kill kills the child.
func (s *Session) Kill() error {
	err := s.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Wait waits for the child to exit. It must be called exactly once.
func (s *Session) Wait() error {
	return s.cmd.Wait()
}

// Close closes the parent ends of the pipes. Loops blocked on them return.
func (s *Session) Close() {
	s.stdin.Close()
	s.stdout.Close()
	s.stderr.Close()
}
